package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.PublishPhase(PhaseEvent{ProjectID: "p1", Phase: "planning", Status: "completed"})
	b.PublishCycle(CycleEvent{ProjectID: "p1", Seq: 1, Status: "completed"})
}

func TestPublishPhaseEvent(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("projects.p1.phase.>")
	require.NoError(t, err)

	bus := NewBus(nc, nil)
	bus.PublishPhase(PhaseEvent{
		ProjectID: "p1",
		Phase:     "planning",
		Index:     0,
		Status:    "completed",
	})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "projects.p1.phase.planning.completed", msg.Subject)

	var ev PhaseEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "planning", ev.Phase)
	assert.False(t, ev.At.IsZero())
}

func TestPublishCycleAndSessionEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("projects.p1.>")
	require.NoError(t, err)

	bus := NewBus(nc, nil)
	bus.PublishSession(SessionEvent{ProjectID: "p1", SessionID: "s1", Status: "busy"})
	bus.PublishCycle(CycleEvent{ProjectID: "p1", Seq: 3, Status: "completed", Summary: "ok"})

	first, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "projects.p1.session.s1.busy", first.Subject)

	second, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "projects.p1.cycle.3.completed", second.Subject)
}
