package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSession(t *testing.T, client *fakeClient, queueSize int) *Session {
	t.Helper()
	s := NewSession("srv-1", "github", client, queueSize)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(time.Second) })
	return s
}

func TestSessionOpenFailureLeavesFailed(t *testing.T) {
	s := NewSession("srv-1", "github", &fakeClient{initErr: errors.New("refused")}, 4)
	err := s.Open(context.Background())
	assert.Error(t, err)
	assert.Equal(t, SessionFailed, s.State())

	_, err = s.CallTool(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestSessionCallTool(t *testing.T) {
	client := &fakeClient{}
	s := openSession(t, client, 4)

	res, err := s.CallTool(context.Background(), "create_issue", map[string]any{"title": "t"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"create_issue"}, client.calls)
}

func TestSessionBusyWhenQueueFull(t *testing.T) {
	client := &fakeClient{callDelay: 200 * time.Millisecond}
	s := openSession(t, client, 1)

	// One request occupies the driver, one fills the queue.
	go func() { _, _ = s.CallTool(context.Background(), "slow-1", nil) }()
	time.Sleep(20 * time.Millisecond)
	go func() { _, _ = s.CallTool(context.Background(), "slow-2", nil) }()
	time.Sleep(20 * time.Millisecond)

	_, err := s.CallTool(context.Background(), "rejected", nil)
	assert.ErrorIs(t, err, ErrServerBusy)
}

func TestSessionRejectsAfterClose(t *testing.T) {
	client := &fakeClient{}
	s := openSession(t, client, 4)
	require.NoError(t, s.Close(time.Second))
	assert.Equal(t, SessionClosed, s.State())
	assert.True(t, client.closed)

	_, err := s.CallTool(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := openSession(t, &fakeClient{}, 4)
	require.NoError(t, s.Close(time.Second))
	require.NoError(t, s.Close(time.Second))
}

func TestSessionManagerReplaceClosesPrevious(t *testing.T) {
	m := NewSessionManager()
	c1 := &fakeClient{}
	s1 := NewSession("srv-1", "github", c1, 4)
	require.NoError(t, s1.Open(context.Background()))
	m.Put(s1, time.Second)

	s2 := NewSession("srv-1", "github", &fakeClient{}, 4)
	require.NoError(t, s2.Open(context.Background()))
	m.Put(s2, time.Second)

	assert.True(t, c1.closed)
	got, ok := m.Get("github")
	require.True(t, ok)
	assert.Same(t, s2, got)
	_ = s2.Close(time.Second)
}

func TestSessionDegradedFlag(t *testing.T) {
	s := openSession(t, &fakeClient{}, 4)
	assert.False(t, s.Degraded())
	s.SetDegraded(true)
	assert.True(t, s.Degraded())
}
