package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a scripted transport for registrar tests.
type fakeAPI struct {
	deleteCalls int
	setCalls    int
	infoCalls   int

	setErrs []error // consumed per SetWebhook call, nil past the end
	info    WebhookInfo
	infoErr error

	lastSet SetWebhookParams
	order   []string
}

func (f *fakeAPI) SetWebhook(ctx context.Context, params SetWebhookParams) error {
	f.setCalls++
	f.lastSet = params
	f.order = append(f.order, "set")
	if f.setCalls <= len(f.setErrs) {
		return f.setErrs[f.setCalls-1]
	}
	return nil
}

func (f *fakeAPI) DeleteWebhook(ctx context.Context, dropPendingUpdates bool) error {
	f.deleteCalls++
	f.order = append(f.order, "delete")
	return nil
}

func (f *fakeAPI) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	f.infoCalls++
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := f.info
	return &info, nil
}

// newTestRegistrar wires a registrar with a recording sleeper.
func newTestRegistrar(api *fakeAPI, maxAttempts int) (*Registrar, *[]time.Duration) {
	cfg := DefaultRegistrarConfig("https://bot.example.com/webhook/s3cret", "s3cret-header")
	cfg.MaxAttempts = maxAttempts

	r := NewRegistrar(api, cfg)
	slept := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return r, slept
}

func TestNextDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{100, 30 * time.Second},
		{0, time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestRegistrar_DeleteThenSet(t *testing.T) {
	api := &fakeAPI{}
	r, slept := newTestRegistrar(api, 5)

	require.NoError(t, r.Register(context.Background()))

	assert.Equal(t, []string{"delete", "set"}, api.order)
	assert.Equal(t, "https://bot.example.com/webhook/s3cret", api.lastSet.URL)
	assert.Equal(t, "s3cret-header", api.lastSet.SecretToken)
	assert.Empty(t, *slept)
	assert.Equal(t, StateRegistered, r.State())
	assert.False(t, r.LastConfirmed().IsZero())
}

func TestRegistrar_HonorsProviderSuggestedWait(t *testing.T) {
	api := &fakeAPI{
		setErrs: []error{
			&APIError{Code: 429, Description: "Too Many Requests", RetryAfter: 5},
		},
	}
	r, slept := newTestRegistrar(api, 5)

	require.NoError(t, r.Register(context.Background()))

	require.Len(t, *slept, 1)
	assert.GreaterOrEqual(t, (*slept)[0], 5*time.Second)
	assert.Equal(t, 2, api.setCalls)
	assert.Equal(t, StateRegistered, r.State())
}

func TestRegistrar_ExponentialDefaultWhenNoSuggestion(t *testing.T) {
	api := &fakeAPI{
		setErrs: []error{
			&APIError{Code: 429, Description: "Too Many Requests"},
			&APIError{Code: 429, Description: "Too Many Requests"},
		},
	}
	r, slept := newTestRegistrar(api, 5)

	require.NoError(t, r.Register(context.Background()))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestRegistrar_ExhaustionReportsPersistentFault(t *testing.T) {
	throttled := &APIError{Code: 429, Description: "Too Many Requests", RetryAfter: 1}
	api := &fakeAPI{
		setErrs: []error{throttled, throttled, throttled, throttled, throttled},
	}
	r, slept := newTestRegistrar(api, 5)

	err := r.Register(context.Background())

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, 5, regErr.Attempts)
	assert.Equal(t, 5, api.setCalls)
	// No sleep after the final attempt.
	assert.Len(t, *slept, 4)
	assert.Equal(t, StateUnregistered, r.State())
}

func TestRegistrar_PermanentErrorStopsEarly(t *testing.T) {
	api := &fakeAPI{
		setErrs: []error{&APIError{Code: 400, Description: "bad webhook url"}},
	}
	r, slept := newTestRegistrar(api, 5)

	err := r.Register(context.Background())

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, 1, regErr.Attempts)
	assert.Equal(t, 1, api.setCalls)
	assert.Empty(t, *slept)
}

func TestRegistrar_RecheckConfirmsMatchingURL(t *testing.T) {
	api := &fakeAPI{info: WebhookInfo{URL: "https://bot.example.com/webhook/s3cret"}}
	r, _ := newTestRegistrar(api, 5)

	require.NoError(t, r.Recheck(context.Background()))
	assert.Equal(t, StateRegistered, r.State())
	assert.Zero(t, api.setCalls)
}

func TestRegistrar_RecheckReregistersOnDrift(t *testing.T) {
	api := &fakeAPI{info: WebhookInfo{URL: ""}}
	r, _ := newTestRegistrar(api, 5)

	require.NoError(t, r.Recheck(context.Background()))
	assert.Equal(t, 1, api.setCalls)
	assert.Equal(t, StateRegistered, r.State())
}

func TestRegistrar_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := &fakeAPI{}
	r, _ := newTestRegistrar(api, 5)

	err := r.Register(ctx)
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.True(t, errors.Is(err, context.Canceled))
}
