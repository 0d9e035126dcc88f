package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/notify"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.EventType
}

func (r *eventRecorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e.Type)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.EventType(nil), r.events...)
}

func newTestCoordinator(opts ...Option) (*Coordinator, *eventRecorder) {
	rec := &eventRecorder{}
	return NewCoordinator(append([]Option{WithDispatcher(rec)}, opts...)...), rec
}

func TestSubmitTwiceIsNoop(t *testing.T) {
	c, rec := newTestCoordinator()
	req := c.Request(context.Background(), RequestInput{SessionID: "sess_1", Detection: Detection{Kind: KindSMS}})
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, DefaultTimeout, req.ExpiresAt.Sub(req.CreatedAt))

	require.True(t, c.Submit(req.ID, "123456"))
	require.True(t, c.MarkSubmitted(req.ID))
	assert.False(t, c.Submit(req.ID, "654321"))
	assert.False(t, c.MarkSubmitted(req.ID))
	assert.False(t, c.Cancel(req.ID))

	got, ok := c.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.Equal(t, "123456", got.Value)
	assert.Equal(t, []notify.EventType{notify.EventOTPRequired, notify.EventOTPSubmitted}, rec.types())

	assert.False(t, c.Submit("missing", "1"))
	assert.False(t, c.Submit(req.ID, "  "))
}

func TestWaitForReceivesSubmittedValue(t *testing.T) {
	c, _ := newTestCoordinator()
	req := c.Request(context.Background(), RequestInput{Timeout: time.Second})

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Submit(req.ID, "4242")
	}()
	value, ok := c.WaitFor(context.Background(), req.ID)
	require.True(t, ok)
	assert.Equal(t, "4242", value)
}

func TestWaitForExpires(t *testing.T) {
	c, rec := newTestCoordinator()
	req := c.Request(context.Background(), RequestInput{Timeout: 30 * time.Millisecond})

	start := time.Now()
	value, ok := c.WaitFor(context.Background(), req.ID)
	assert.False(t, ok)
	assert.Empty(t, value)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	got, _ := c.Get(req.ID)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Contains(t, rec.types(), notify.EventOTPExpired)

	assert.False(t, c.Submit(req.ID, "1234"))
	_, err := c.Await(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrOTPTimeout)
}

func TestCancelWakesWaiterImmediately(t *testing.T) {
	c, rec := newTestCoordinator()
	req := c.Request(context.Background(), RequestInput{Timeout: time.Hour})

	done := make(chan bool, 1)
	go func() {
		_, ok := c.WaitFor(context.Background(), req.ID)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	require.True(t, c.Cancel(req.ID))

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by cancel")
	}
	got, _ := c.Get(req.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Contains(t, rec.types(), notify.EventOTPCancelled)

	_, err := c.Await(context.Background(), req.ID)
	assert.Equal(t, xerrors.CodeOTPCancelled, xerrors.CodeOf(err))
}

func TestFirstTerminalStateWins(t *testing.T) {
	c, _ := newTestCoordinator()
	req := c.Request(context.Background(), RequestInput{Timeout: time.Hour})

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results <- c.Submit(req.ID, "1111") }()
	go func() { defer wg.Done(); results <- c.Cancel(req.ID) }()
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestAwaitCancelsOnContextDone(t *testing.T) {
	c, _ := newTestCoordinator()
	req := c.Request(context.Background(), RequestInput{Timeout: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Await(ctx, req.ID)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
	got, _ := c.Get(req.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestCleanupExpiresAndEvicts(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	c, _ := newTestCoordinator(WithClock(clock), WithRetention(time.Hour))
	stale := c.Request(context.Background(), RequestInput{Timeout: time.Minute})
	fresh := c.Request(context.Background(), RequestInput{Timeout: 10 * time.Minute})
	done := c.Request(context.Background(), RequestInput{Timeout: 10 * time.Minute})
	require.True(t, c.Submit(done.ID, "9"))

	advance(2 * time.Minute)
	expired, evicted := c.Cleanup(clock())
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, evicted)
	got, _ := c.Get(stale.ID)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Len(t, c.Pending(), 1)
	assert.Equal(t, fresh.ID, c.Pending()[0].ID)

	advance(2 * time.Hour)
	expired, evicted = c.Cleanup(clock())
	assert.Equal(t, 1, expired)
	assert.Equal(t, 2, evicted)
	_, ok := c.Get(done.ID)
	assert.False(t, ok)
}

func TestApprovalStateMachine(t *testing.T) {
	c, rec := newTestCoordinator()
	var approver workflow.Approver = c
	ctx := context.Background()

	id, err := approver.RequestApproval(ctx, workflow.ApprovalRequest{WorkflowID: "wf-1", StepID: "C", Timeout: time.Second})
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Approve(id)
	}()
	require.NoError(t, approver.AwaitApproval(ctx, id))

	rejected, err := approver.RequestApproval(ctx, workflow.ApprovalRequest{Timeout: time.Second})
	require.NoError(t, err)
	require.True(t, c.Reject(rejected))
	assert.ErrorIs(t, approver.AwaitApproval(ctx, rejected), ErrApprovalRejected)

	timedOut, err := approver.RequestApproval(ctx, workflow.ApprovalRequest{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.ErrorIs(t, approver.AwaitApproval(ctx, timedOut), ErrApprovalTimeout)

	otpReq := c.Request(ctx, RequestInput{})
	assert.False(t, c.Approve(otpReq.ID))
	assert.False(t, c.Reject(otpReq.ID))

	assert.Contains(t, rec.types(), notify.EventApprovalGranted)
	assert.Contains(t, rec.types(), notify.EventApprovalRejected)
	assert.Contains(t, rec.types(), notify.EventApprovalExpired)
}
