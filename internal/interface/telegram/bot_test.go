package telegram

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgapi "github.com/Di-mitt/my-telegram-bot/internal/infrastructure/external/telegram"
	"github.com/Di-mitt/my-telegram-bot/internal/ingest"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type sentMessage struct {
	chatID int64
	text   string
}

// fakeSender records outbound replies. The runtime goroutine is the only
// writer but tests read concurrently, so it locks.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) (*tgapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return &tgapi.Message{MessageID: int64(len(f.sent)), Chat: &tgapi.Chat{ID: chatID}}, nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakePoller serves one scripted batch of updates, then blocks until the
// context is canceled.
type fakePoller struct {
	mu      sync.Mutex
	batch   []tgapi.Update
	offsets []int64
}

func (f *fakePoller) GetUpdates(ctx context.Context, offset int64, _ int, _ int) ([]tgapi.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	batch := f.batch
	f.batch = nil
	f.mu.Unlock()

	if batch != nil {
		return batch, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func textEnvelope(t *testing.T, updateID, chatID int64, text string) *ingest.Envelope {
	t.Helper()
	update := tgapi.Update{
		UpdateID: updateID,
		Message: &tgapi.Message{
			MessageID: updateID,
			Chat:      &tgapi.Chat{ID: chatID, Type: "private"},
			Text:      text,
		},
	}
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	return &ingest.Envelope{UpdateID: updateID, Raw: raw, ReceivedAt: time.Now()}
}

func commandEnvelope(t *testing.T, updateID, chatID int64, command string) *ingest.Envelope {
	t.Helper()
	text := "/" + command
	update := tgapi.Update{
		UpdateID: updateID,
		Message: &tgapi.Message{
			MessageID: updateID,
			Chat:      &tgapi.Chat{ID: chatID, Type: "private"},
			Text:      text,
			Entities: []tgapi.MessageEntity{
				{Type: "bot_command", Offset: 0, Length: len(text)},
			},
		},
	}
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	return &ingest.Envelope{UpdateID: updateID, Raw: raw, ReceivedAt: time.Now()}
}

func runBot(t *testing.T, bot *Bot) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, bot.Run(ctx))
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("bot did not stop")
		}
	}
}

func waitForSent(t *testing.T, sender *fakeSender, n int) []sentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := sender.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sent messages, got %d", n, len(sender.messages()))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestBot_StartCommandGreets(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	stop := runBot(t, bot)
	defer stop()

	updates <- commandEnvelope(t, 1, 42, "start")

	msgs := waitForSent(t, sender, 1)
	assert.Equal(t, int64(42), msgs[0].chatID)
	assert.Equal(t, GreetingText, msgs[0].text)
}

func TestBot_PlainTextEchoes(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	stop := runBot(t, bot)
	defer stop()

	updates <- textEnvelope(t, 1, 7, "hello there")

	msgs := waitForSent(t, sender, 1)
	assert.Equal(t, "Вы написали: hello there", msgs[0].text)
}

func TestBot_UnknownCommandIgnored(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	stop := runBot(t, bot)
	defer stop()

	updates <- commandEnvelope(t, 1, 7, "weather")
	updates <- textEnvelope(t, 2, 7, "after")

	msgs := waitForSent(t, sender, 1)
	assert.Equal(t, EchoText("after"), msgs[0].text)
}

func TestBot_MalformedCommandEntitySurvives(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	stop := runBot(t, bot)
	defer stop()

	// Entity bounds that exceed the text come straight off the wire and
	// must not take the runtime down.
	raw := json.RawMessage(`{"update_id":1,"message":{"message_id":1,"chat":{"id":7,"type":"private"},"text":"/a","entities":[{"type":"bot_command","offset":0,"length":100}]}}`)
	updates <- &ingest.Envelope{UpdateID: 1, Raw: raw, ReceivedAt: time.Now()}
	updates <- textEnvelope(t, 2, 7, "still alive")

	msgs := waitForSent(t, sender, 1)
	assert.Equal(t, EchoText("still alive"), msgs[0].text)
}

func TestBot_NonMessageUpdateIgnored(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	stop := runBot(t, bot)
	defer stop()

	updates <- &ingest.Envelope{UpdateID: 1, Raw: json.RawMessage(`{"update_id":1}`), ReceivedAt: time.Now()}
	updates <- textEnvelope(t, 2, 7, "still alive")

	msgs := waitForSent(t, sender, 1)
	assert.Equal(t, EchoText("still alive"), msgs[0].text)
}

func TestBot_UnparseablePayloadSkipped(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	stop := runBot(t, bot)
	defer stop()

	updates <- &ingest.Envelope{UpdateID: 1, Raw: json.RawMessage(`{"update_id":"not a number"}`), ReceivedAt: time.Now()}
	updates <- textEnvelope(t, 2, 7, "ok")

	waitForSent(t, sender, 1)
	stop()

	_, failed := bot.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestBot_StatsReadableWhileRunning(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	stop := runBot(t, bot)
	defer stop()

	updates <- textEnvelope(t, 1, 7, "count me")
	waitForSent(t, sender, 1)

	// Counters are read here concurrently with the runtime goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		processed, failed := bot.Stats()
		if processed == 1 {
			assert.Equal(t, uint64(0), failed)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("processed counter never reached 1")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBot_DrainsQueuedOnShutdown(t *testing.T) {
	sender := &fakeSender{}
	updates := make(chan *ingest.Envelope, 8)
	for i := int64(1); i <= 3; i++ {
		updates <- textEnvelope(t, i, 7, fmt.Sprintf("msg %d", i))
	}

	bot := NewBot(DefaultBotConfig(), sender, nil, updates)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bot.Run(ctx))

	msgs := sender.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, EchoText("msg 1"), msgs[0].text)
	assert.Equal(t, EchoText("msg 3"), msgs[2].text)

	processed, _ := bot.Stats()
	assert.Equal(t, uint64(3), processed)
}

func TestBot_PollingAdvancesOffset(t *testing.T) {
	sender := &fakeSender{}
	poller := &fakePoller{
		batch: []tgapi.Update{
			{UpdateID: 10, Message: &tgapi.Message{Chat: &tgapi.Chat{ID: 5, Type: "private"}, Text: "first"}},
			{UpdateID: 11, Message: &tgapi.Message{Chat: &tgapi.Chat{ID: 5, Type: "private"}, Text: "second"}},
		},
	}
	config := DefaultBotConfig()
	config.Mode = ModePolling
	config.PollingTimeout = 1

	bot := NewBot(config, sender, poller, nil)
	stop := runBot(t, bot)
	defer stop()

	msgs := waitForSent(t, sender, 2)
	assert.Equal(t, EchoText("first"), msgs[0].text)
	assert.Equal(t, EchoText("second"), msgs[1].text)

	// second poll must carry the advanced offset
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		poller.mu.Lock()
		n := len(poller.offsets)
		poller.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	poller.mu.Lock()
	defer poller.mu.Unlock()
	require.GreaterOrEqual(t, len(poller.offsets), 2)
	assert.Equal(t, int64(0), poller.offsets[0])
	assert.Equal(t, int64(12), poller.offsets[1])
}

func TestBot_PollingWithoutPollerFails(t *testing.T) {
	config := DefaultBotConfig()
	config.Mode = ModePolling
	bot := NewBot(config, &fakeSender{}, nil, nil)

	err := bot.Run(context.Background())
	require.Error(t, err)
}
