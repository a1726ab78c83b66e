package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodevd/internal/store"
)

func TestCreateAndGetSession(t *testing.T) {
	r := NewRegistry(nil, nil)

	id, err := r.CreateSession("p1", "developer")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := r.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "p1", sess.ProjectID)
	assert.Equal(t, "developer", sess.Role)
	assert.Equal(t, StatusCreated, sess.Status)
}

func TestGetUnknownSession(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.GetSession("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSharedRolesAllowed(t *testing.T) {
	r := NewRegistry(nil, nil)

	a, err := r.CreateSession("p1", "developer")
	require.NoError(t, err)
	b, err := r.CreateSession("p1", "developer")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestListSessionsCreationOrderAndFilter(t *testing.T) {
	r := NewRegistry(nil, nil)

	first, _ := r.CreateSession("p1", "pm")
	second, _ := r.CreateSession("p1", "developer")
	_, _ = r.CreateSession("p2", "developer")

	require.NoError(t, r.MarkIdle(second))

	all := r.ListSessions("p1", nil)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, second, all[1].ID)

	idle := r.ListSessions("p1", StatusFilter{StatusIdle})
	require.Len(t, idle, 1)
	assert.Equal(t, second, idle[0].ID)
}

func TestStatusTransitions(t *testing.T) {
	r := NewRegistry(nil, nil)
	id, _ := r.CreateSession("p1", "qa")

	// created -> busy is not a legal move; idle comes first.
	assert.ErrorIs(t, r.MarkBusy(id), ErrInvalidTransition)

	require.NoError(t, r.MarkIdle(id))
	require.NoError(t, r.MarkBusy(id))
	require.NoError(t, r.MarkIdle(id))

	// unreachable from idle, recoverable back to idle.
	require.NoError(t, r.MarkUnreachable(id))
	sess, err := r.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, StatusUnreachable, sess.Status)
	require.NoError(t, r.MarkIdle(id))

	// unreachable from busy too.
	require.NoError(t, r.MarkBusy(id))
	require.NoError(t, r.MarkUnreachable(id))
}

func TestMarkSameStatusIsNoop(t *testing.T) {
	r := NewRegistry(nil, nil)
	id, _ := r.CreateSession("p1", "qa")
	require.NoError(t, r.MarkIdle(id))
	require.NoError(t, r.MarkIdle(id))
}

func TestTerminateIsIdempotent(t *testing.T) {
	r := NewRegistry(nil, nil)
	id, _ := r.CreateSession("p1", "qa")

	require.NoError(t, r.TerminateSession(id))
	require.NoError(t, r.TerminateSession(id))

	_, err := r.GetSession(id)
	assert.ErrorIs(t, err, ErrNotFound)

	// Marks on a terminated session behave like NotFound.
	assert.ErrorIs(t, r.MarkIdle(id), ErrNotFound)
}

func TestTerminateProjectCascades(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, _ := r.CreateSession("p1", "pm")
	b, _ := r.CreateSession("p1", "developer")
	other, _ := r.CreateSession("p2", "developer")

	r.TerminateProject("p1")

	_, err := r.GetSession(a)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetSession(b)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.GetSession(other)
	assert.NoError(t, err)
}

func TestRegistryPersistsSnapshots(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	r := NewRegistry(st, nil)
	id, err := r.CreateSession("p1", "developer")
	require.NoError(t, err)
	require.NoError(t, r.MarkIdle(id))

	records, err := st.LoadSessions("p1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, "idle", records[0].Status)
}

func TestRestoreRehydratesSessions(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	r := NewRegistry(st, nil)
	id, err := r.CreateSession("p1", "backend")
	require.NoError(t, err)
	require.NoError(t, r.MarkIdle(id))

	records, err := st.LoadSessions("p1")
	require.NoError(t, err)

	// A fresh registry picks up where the old one left off.
	fresh := NewRegistry(st, nil)
	fresh.Restore(records)

	sess, err := fresh.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, sess.Status)
	assert.Equal(t, "backend", sess.Role)

	require.NoError(t, fresh.MarkBusy(id))

	// Restoring again never duplicates known sessions.
	fresh.Restore(records)
	assert.Len(t, fresh.ListSessions("p1", nil), 1)
}
