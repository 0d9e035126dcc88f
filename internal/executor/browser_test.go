package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

type recordingDriver struct {
	mu      sync.Mutex
	calls   []string
	texts   map[string]string
	failOn  string
	closed  bool
	current string
}

func (d *recordingDriver) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if d.failOn != "" && d.failOn == call {
		return errors.New("element not found")
	}
	return nil
}

func (d *recordingDriver) Navigate(_ context.Context, url string) error {
	d.current = url
	return d.record("navigate:" + url)
}
func (d *recordingDriver) Click(_ context.Context, l string) error { return d.record("click:" + l) }
func (d *recordingDriver) Fill(_ context.Context, l, v string) error {
	return d.record("fill:" + l + "=" + v)
}
func (d *recordingDriver) Text(_ context.Context, l string) (string, error) {
	if err := d.record("text:" + l); err != nil {
		return "", err
	}
	return d.texts[l], nil
}
func (d *recordingDriver) WaitFor(_ context.Context, l string, _ time.Duration) error {
	return d.record("waitfor:" + l)
}
func (d *recordingDriver) Snapshot(context.Context) (PageSnapshot, error) {
	return PageSnapshot{URL: d.current}, nil
}
func (d *recordingDriver) Close() error {
	d.closed = true
	return nil
}

type countingCheckpoint struct {
	count int
	err   error
}

func (c *countingCheckpoint) HandleCheckpoint(context.Context, Driver) error {
	c.count++
	return c.err
}

func TestBrowserExecutorRunsCheckpointAfterTransitions(t *testing.T) {
	driver := &recordingDriver{texts: map[string]string{"#balance": "42.00"}}
	checkpoint := &countingCheckpoint{}
	exec := NewBrowserExecutor(driver, WithCheckpointHandler(checkpoint))
	ctx := context.Background()

	require.NoError(t, exec.Navigate(ctx, "https://bank.example.com/login"))
	require.NoError(t, exec.Type(ctx, "#user", "alice"))
	require.NoError(t, exec.Click(ctx, "#submit"))
	text, err := exec.Extract(ctx, "#balance")
	require.NoError(t, err)
	assert.Equal(t, "42.00", text)
	require.NoError(t, exec.Wait(ctx, WaitCondition{Locator: "#done"}))

	assert.Equal(t, 2, checkpoint.count)
	assert.Equal(t, []string{
		"navigate:https://bank.example.com/login",
		"fill:#user=alice",
		"click:#submit",
		"text:#balance",
		"waitfor:#done",
	}, driver.calls)

	require.NoError(t, exec.Close())
	assert.True(t, driver.closed)
}

func TestBrowserExecutorWrapsDriverErrors(t *testing.T) {
	driver := &recordingDriver{failOn: "click:#missing"}
	exec := NewBrowserExecutor(driver)
	err := exec.Click(context.Background(), "#missing")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeActionExecution, xerrors.CodeOf(err))

	_, err = exec.Call(context.Background(), CallRequest{Endpoint: "/x"})
	assert.Error(t, err)
}

func TestBrowserExecutorPropagatesCheckpointError(t *testing.T) {
	otpErr := xerrors.New(xerrors.CodeOTPTimeout, "")
	exec := NewBrowserExecutor(&recordingDriver{}, WithCheckpointHandler(&countingCheckpoint{err: otpErr}))
	err := exec.Navigate(context.Background(), "https://x")
	assert.Equal(t, xerrors.CodeOTPTimeout, xerrors.CodeOf(err))
}

func TestHybridExecutorRoutes(t *testing.T) {
	driver := &recordingDriver{}
	api := &stubAPI{}
	h := NewHybridExecutor(NewBrowserExecutor(driver), api)

	require.NoError(t, h.Navigate(context.Background(), "https://x"))
	_, err := h.Call(context.Background(), CallRequest{Endpoint: "/y"})
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls)
	assert.Len(t, driver.calls, 1)

	empty := NewHybridExecutor(nil, nil)
	assert.Error(t, empty.Click(context.Background(), "#a"))
	_, err = empty.Call(context.Background(), CallRequest{})
	assert.Error(t, err)
}

type stubAPI struct {
	HTTPExecutor
	calls int
}

func (s *stubAPI) Call(context.Context, CallRequest) (*CallResult, error) {
	s.calls++
	return &CallResult{StatusCode: 200}, nil
}
