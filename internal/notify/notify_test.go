package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	var got []Event
	ok := FuncNotifier{Channel: "ok", Fn: func(_ context.Context, e Event) error {
		got = append(got, e)
		return nil
	}}
	broken := FuncNotifier{Channel: "broken", Fn: func(context.Context, Event) error {
		return errors.New("boom")
	}}
	late := FuncNotifier{Channel: "late", Fn: func(_ context.Context, e Event) error {
		got = append(got, e)
		return nil
	}}

	err := NewFanout(ok, nil, broken, late).Notify(context.Background(), Event{Type: EventOTPRequired, RequestID: "otp-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel broken")
	require.Len(t, got, 2)
	assert.False(t, got[0].OccurredAt.IsZero())

	var nilFanout *Fanout
	assert.NoError(t, nilFanout.Notify(context.Background(), Event{}))
}

func TestLogNotifierWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	expires := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	require.NoError(t, n.Notify(context.Background(), Event{
		Type:      EventOTPRequired,
		RequestID: "otp-1",
		SessionID: "sess_1",
		Message:   "需要验证码",
		ExpiresAt: &expires,
	}))
	out := buf.String()
	assert.True(t, strings.Contains(out, `"event":"otp_required"`))
	assert.True(t, strings.Contains(out, `"request_id":"otp-1"`))
	assert.False(t, strings.Contains(out, `"task_id"`))
}
