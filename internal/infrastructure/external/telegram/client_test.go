package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	cfg := DefaultClientConfig("test-token")
	cfg.BaseURL = srv.URL
	return NewClient(cfg), srv
}

func TestClient_SendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":99,"chat":{"id":7,"type":"private"},"text":"Вы написали: hi"}}`))
	})
	defer srv.Close()

	msg, err := client.SendText(context.Background(), 7, "Вы написали: hi")
	require.NoError(t, err)

	assert.Equal(t, "/bottest-token/sendMessage", gotPath)
	assert.Equal(t, float64(7), gotBody["chat_id"])
	assert.Equal(t, "Вы написали: hi", gotBody["text"])
	assert.Equal(t, int64(99), msg.MessageID)
}

func TestClient_APIErrorWithRetryAfter(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`))
	})
	defer srv.Close()

	_, err := client.SendText(context.Background(), 7, "hi")
	require.Error(t, err)

	retryAfter, throttled := IsRateLimited(err)
	assert.True(t, throttled)
	assert.Equal(t, 5, retryAfter)
	assert.True(t, IsRetryableError(err))
}

func TestClient_SetWebhookCarriesSecretToken(t *testing.T) {
	var gotBody map[string]interface{}

	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	})
	defer srv.Close()

	err := client.SetWebhook(context.Background(), SetWebhookParams{
		URL:            "https://bot.example.com/webhook/s3cret",
		SecretToken:    "header-secret",
		AllowedUpdates: []string{"message"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://bot.example.com/webhook/s3cret", gotBody["url"])
	assert.Equal(t, "header-secret", gotBody["secret_token"])
}

func TestClient_NonRetryableClientError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	})
	defer srv.Close()

	_, err := client.SendText(context.Background(), 1, "hi")
	require.Error(t, err)
	assert.False(t, IsRetryableError(err))
}

func TestExtractCommand(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
		want string
	}{
		{"nil message", nil, ""},
		{"plain text", &Message{Text: "hello"}, ""},
		{
			"entity command",
			&Message{Text: "/start", Entities: []MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}}},
			"start",
		},
		{
			"entity command with bot name",
			&Message{Text: "/start@mybot now", Entities: []MessageEntity{{Type: "bot_command", Offset: 0, Length: 12}}},
			"start",
		},
		{"bare slash command", &Message{Text: "/help me"}, "help"},
		{
			"oversized entity falls back",
			&Message{Text: "/a", Entities: []MessageEntity{{Type: "bot_command", Offset: 0, Length: 100}}},
			"a",
		},
		{
			"zero-length entity falls back",
			&Message{Text: "/start", Entities: []MessageEntity{{Type: "bot_command", Offset: 0, Length: 0}}},
			"start",
		},
		{
			"oversized entity on plain text",
			&Message{Text: "hi", Entities: []MessageEntity{{Type: "bot_command", Offset: 0, Length: 100}}},
			"",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractCommand(tc.msg))
		})
	}
}
