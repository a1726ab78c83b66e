package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodevd/internal/config"
)

func okStrategy(name string, output []byte) Strategy {
	return Strategy{
		Name: name,
		Run: func(ctx context.Context, input []byte) ([]byte, error) {
			return output, nil
		},
	}
}

func failStrategy(name string, err error) Strategy {
	return Strategy{
		Name: name,
		Run: func(ctx context.Context, input []byte) ([]byte, error) {
			return nil, err
		},
	}
}

func TestInvokeFirstStrategyWins(t *testing.T) {
	g := New(DefaultConfig(), nil, nil)

	out, err := g.Invoke(context.Background(), "research", []byte("q"), []Strategy{
		okStrategy("primary", []byte("answer")),
		failStrategy("backup", errors.New("should not run")),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), out)

	log := g.Log()
	require.Len(t, log, 1)
	assert.Equal(t, OutcomeSuccess, log[0].Outcome)
	require.Len(t, log[0].Attempts, 1)
	assert.Equal(t, "primary", log[0].Attempts[0].Strategy)
}

func TestInvokeFallsBackInOrder(t *testing.T) {
	g := New(DefaultConfig(), nil, nil)

	var order []string
	mk := func(name string, fail bool) Strategy {
		return Strategy{
			Name: name,
			Run: func(ctx context.Context, input []byte) ([]byte, error) {
				order = append(order, name)
				if fail {
					return nil, fmt.Errorf("%s down", name)
				}
				return []byte(name), nil
			},
		}
	}

	out, err := g.Invoke(context.Background(), "deploy", nil, []Strategy{
		mk("a", true), mk("b", true), mk("c", false),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), out)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestInvokeExhaustsAllStrategies(t *testing.T) {
	g := New(DefaultConfig(), nil, nil)

	strategies := []Strategy{
		failStrategy("a", errors.New("a down")),
		failStrategy("b", errors.New("b down")),
		failStrategy("c", errors.New("c down")),
	}

	_, err := g.Invoke(context.Background(), "research", nil, strategies)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "research", exhausted.Capability)
	require.Len(t, exhausted.Attempts, 3)
	assert.Equal(t, "a", exhausted.Attempts[0].Strategy)
	assert.Equal(t, "c", exhausted.Attempts[2].Strategy)
	assert.Contains(t, err.Error(), "all 3 strategies exhausted")
	assert.Contains(t, err.Error(), "b down")

	log := g.Log()
	require.Len(t, log, 1)
	assert.Equal(t, OutcomeAllFailed, log[0].Outcome)
}

func TestInvokeNoStrategies(t *testing.T) {
	g := New(DefaultConfig(), nil, nil)
	_, err := g.Invoke(context.Background(), "research", nil, nil)
	assert.ErrorIs(t, err, ErrNoStrategies)
}

func TestInvokeStrategyTimeout(t *testing.T) {
	g := New(DefaultConfig(), nil, nil)

	slow := Strategy{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, input []byte) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return []byte("late"), nil
			}
		},
	}

	out, err := g.Invoke(context.Background(), "research", nil, []Strategy{
		slow,
		okStrategy("fast", []byte("ok")),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)

	log := g.Log()
	require.Len(t, log, 1)
	require.Len(t, log[0].Attempts, 2)
	assert.ErrorIs(t, log[0].Attempts[0].Err, context.DeadlineExceeded)
}

func TestInvokeConcurrent(t *testing.T) {
	g := New(DefaultConfig(), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Invoke(context.Background(), "research", nil, []Strategy{
				okStrategy("s", []byte("ok")),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, g.Log(), 16)
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []Invocation
}

func (r *captureRecorder) Record(ctx context.Context, inv Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, inv)
	return nil
}

func TestInvokeRecordsToRecorder(t *testing.T) {
	rec := &captureRecorder{}
	g := New(DefaultConfig(), rec, nil)

	_, _ = g.Invoke(context.Background(), "a", nil, []Strategy{okStrategy("s", nil)})
	_, _ = g.Invoke(context.Background(), "b", nil, []Strategy{failStrategy("s", errors.New("down"))})

	require.Len(t, rec.recs, 2)
	assert.Equal(t, OutcomeSuccess, rec.recs[0].Outcome)
	assert.Equal(t, OutcomeAllFailed, rec.recs[1].Outcome)
}

func TestRegisterAndInvokeRegistered(t *testing.T) {
	g := New(DefaultConfig(), nil, nil)
	g.Register("research", true, okStrategy("s", []byte("ok")))
	g.Register("deploy", false, okStrategy("s", []byte("ok")))

	out, err := g.InvokeRegistered(context.Background(), "research", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)

	_, err = g.InvokeRegistered(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownCapability)

	assert.Equal(t, []string{"research"}, g.RefreshCapabilities())
}

func TestHTTPStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	g := New(DefaultConfig(), nil, nil)
	out, err := g.Invoke(context.Background(), "ping", []byte("ping"), []Strategy{
		HTTP("bad", bad.URL, nil),
		HTTP("good", srv.URL, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), out)

	log := g.Log()
	require.Len(t, log, 1)
	require.Len(t, log[0].Attempts, 2)
	assert.Contains(t, log[0].Attempts[0].Err.Error(), "status 502")
}

func TestRegisterFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := config.GatewayConfig{
		Capabilities: map[string]config.CapabilityConfig{
			"research": {
				Refresh: true,
				Endpoints: []config.EndpointConfig{
					{Name: "primary", URL: srv.URL, Timeout: config.Duration(time.Second)},
				},
			},
		},
	}

	g := New(DefaultConfig(), nil, nil)
	g.RegisterFromConfig(cfg, nil)

	out, err := g.InvokeRegistered(context.Background(), "research", []byte("q"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
}

func TestRecorderSeesProjectFromContext(t *testing.T) {
	var got string
	rec := recorderFunc(func(ctx context.Context, inv Invocation) error {
		got = ProjectFromContext(ctx)
		return nil
	})

	g := New(DefaultConfig(), rec, nil)
	g.Register("research", false, Strategy{Name: "primary", Run: func(ctx context.Context, input []byte) ([]byte, error) {
		return []byte("ok"), nil
	}})

	ctx := WithProject(context.Background(), "p1")
	_, err := g.InvokeRegistered(ctx, "research", nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", got)

	assert.Empty(t, ProjectFromContext(context.Background()))
}

type recorderFunc func(ctx context.Context, inv Invocation) error

func (f recorderFunc) Record(ctx context.Context, inv Invocation) error { return f(ctx, inv) }
