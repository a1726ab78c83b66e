package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/session"
)

func newTestRouter(t *testing.T, timeout time.Duration) (*Router, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(nil, zap.NewNop())
	r := New(Config{DeliveryTimeout: timeout}, reg, nil, zap.NewNop())
	t.Cleanup(r.Close)
	return r, reg
}

func TestSendAndPoll(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sid, err := reg.CreateSession("proj-1", "developer")
	require.NoError(t, err)

	id, err := r.Send(Orchestrator, sid, []byte(`{"task":"build"}`), KindDirective)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := r.Poll(sid)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, Orchestrator, msgs[0].From)
	assert.Equal(t, KindDirective, msgs[0].Kind)
	assert.NotNil(t, msgs[0].DeliveredAt)

	// At-most-once: a second poll is empty.
	msgs, err = r.Poll(sid)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPollIsFIFO(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sid, err := reg.CreateSession("proj-1", "qa")
	require.NoError(t, err)

	var want []string
	for i := 0; i < 5; i++ {
		id, err := r.Send(Orchestrator, sid, []byte("x"), KindDirective)
		require.NoError(t, err)
		want = append(want, id)
	}

	msgs, err := r.Poll(sid)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, want[i], m.ID)
	}
}

func TestSendToUnknownSession(t *testing.T) {
	r, _ := newTestRouter(t, time.Minute)

	_, err := r.Send(Orchestrator, "no-such-session", nil, KindDirective)
	assert.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestSendToTerminatedSession(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sid, err := reg.CreateSession("proj-1", "devops")
	require.NoError(t, err)
	require.NoError(t, reg.TerminateSession(sid))

	_, err = r.Send(Orchestrator, sid, nil, KindDirective)
	assert.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestOrchestratorInboxAlwaysAvailable(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sid, err := reg.CreateSession("proj-1", "pm")
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(sid))

	id, err := r.Send(sid, Orchestrator, []byte(`{"done":true}`), KindResult)
	require.NoError(t, err)

	msgs, err := r.Poll(Orchestrator)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, KindResult, msgs[0].Kind)
}

func TestDeliveryTimeoutMarksUnreachable(t *testing.T) {
	r, reg := newTestRouter(t, 30*time.Millisecond)

	sid, err := reg.CreateSession("proj-1", "backend")
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(sid))

	_, err = r.Send(Orchestrator, sid, []byte("work"), KindDirective)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := reg.GetSession(sid)
		return err == nil && got.Status == session.StatusUnreachable
	}, time.Second, 10*time.Millisecond)

	// The owning project's inbox receives an error-kind report.
	msgs, err := r.Poll(Inbox("proj-1"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindError, msgs[0].Kind)
	assert.Equal(t, sid, msgs[0].From)
	assert.Contains(t, string(msgs[0].Payload), "delivery timeout")
}

func TestProjectInboxesAreIsolated(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sidA, err := reg.CreateSession("proj-a", "developer")
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(sidA))
	sidB, err := reg.CreateSession("proj-b", "developer")
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(sidB))

	idA, err := r.Send(sidA, Inbox("proj-a"), []byte(`{"done":true}`), KindResult)
	require.NoError(t, err)
	idB, err := r.Send(sidB, Inbox("proj-b"), []byte(`{"done":true}`), KindResult)
	require.NoError(t, err)

	// Draining one project's inbox must not consume the other's.
	msgs, err := r.Poll(Inbox("proj-a"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, idA, msgs[0].ID)

	msgs, err = r.Poll(Inbox("proj-b"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, idB, msgs[0].ID)
}

func TestLateTimerAfterReplyIsNoOp(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sid, err := reg.CreateSession("proj-1", "backend")
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(sid))

	msgID, err := r.Send(Orchestrator, sid, []byte("work"), KindDirective)
	require.NoError(t, err)
	_, err = r.Send(sid, Inbox("proj-1"), nil, KindAck)
	require.NoError(t, err)

	// A timer callback racing the settle finds no pending entry and
	// must not touch the session or the inbox.
	r.deliveryTimedOut("proj-1", sid, msgID)

	got, err := reg.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, got.Status)

	msgs, err := r.Poll(Inbox("proj-1"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindAck, msgs[0].Kind)
}

func TestReplyCancelsDeliveryTimer(t *testing.T) {
	r, reg := newTestRouter(t, 80*time.Millisecond)

	sid, err := reg.CreateSession("proj-1", "frontend")
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(sid))

	_, err = r.Send(Orchestrator, sid, []byte("work"), KindDirective)
	require.NoError(t, err)

	_, err = r.Send(sid, Orchestrator, nil, KindAck)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	got, err := reg.GetSession(sid)
	require.NoError(t, err)
	assert.NotEqual(t, session.StatusUnreachable, got.Status)

	msgs, err := r.Poll(Orchestrator)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindAck, msgs[0].Kind)
}

func TestReplyRecoversUnreachableSession(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sid, err := reg.CreateSession("proj-1", "qa")
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(sid))
	require.NoError(t, reg.MarkUnreachable(sid))

	_, err = r.Send(sid, Orchestrator, []byte("alive"), KindResult)
	require.NoError(t, err)

	got, err := reg.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, got.Status)
}

func TestPollUnknownTarget(t *testing.T) {
	r, _ := newTestRouter(t, time.Minute)

	_, err := r.Poll("no-such-session")
	assert.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestClosedRouterRejectsOperations(t *testing.T) {
	r, reg := newTestRouter(t, time.Minute)

	sid, err := reg.CreateSession("proj-1", "pm")
	require.NoError(t, err)

	r.Close()

	_, err = r.Send(Orchestrator, sid, nil, KindDirective)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = r.Poll(Orchestrator)
	assert.ErrorIs(t, err, ErrClosed)
}
