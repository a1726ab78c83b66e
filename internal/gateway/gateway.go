package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/autodevd/internal/gateway"

// Config configures the gateway.
type Config struct {
	// DefaultTimeout bounds strategy attempts that declare no timeout.
	DefaultTimeout time.Duration

	// RatePerSecond and Burst shape the attempt rate limiter.
	// RatePerSecond <= 0 disables limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		RatePerSecond:  0,
		Burst:          4,
	}
}

// Gateway invokes capabilities with ordered fallback. It is safe for
// concurrent use; the only shared mutable state is the append-only
// invocation log and the capability table, each behind its own lock.
type Gateway struct {
	config   Config
	logger   *zap.Logger
	recorder Recorder
	limiter  *rate.Limiter

	tracer        trace.Tracer
	meter         metric.Meter
	invokeCounter metric.Int64Counter

	capMu        sync.RWMutex
	capabilities map[string][]Strategy
	refresh      map[string]bool

	logMu sync.Mutex
	log   []Invocation
}

// New creates a gateway. recorder may be nil to keep the audit log
// in-memory only.
func New(cfg Config, recorder Recorder, logger *zap.Logger) *Gateway {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	g := &Gateway{
		config:       cfg,
		logger:       logger,
		recorder:     recorder,
		limiter:      limiter,
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
		capabilities: make(map[string][]Strategy),
		refresh:      make(map[string]bool),
	}

	var err error
	g.invokeCounter, err = g.meter.Int64Counter(
		"autodevd.gateway.invocations_total",
		metric.WithDescription("Total tool gateway invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		logger.Warn("failed to create invocation counter", zap.Error(err))
	}

	return g
}

// Register binds a capability name to its default fallback chain.
// Registering again replaces the chain.
func (g *Gateway) Register(capability string, refresh bool, strategies ...Strategy) {
	g.capMu.Lock()
	defer g.capMu.Unlock()
	g.capabilities[capability] = strategies
	g.refresh[capability] = refresh
}

// Strategies returns the registered chain for a capability.
func (g *Gateway) Strategies(capability string) ([]Strategy, error) {
	g.capMu.RLock()
	defer g.capMu.RUnlock()
	strategies, ok := g.capabilities[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	return strategies, nil
}

// RefreshCapabilities returns capabilities tagged for evolution refresh
// cycles, in stable order.
func (g *Gateway) RefreshCapabilities() []string {
	g.capMu.RLock()
	defer g.capMu.RUnlock()
	var names []string
	for name, ok := range g.refresh {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Invoke attempts each strategy in order until one succeeds or all are
// exhausted. Every invocation, success or failure, is recorded; no
// invocation is silently dropped.
func (g *Gateway) Invoke(ctx context.Context, capability string, input []byte, strategies []Strategy) ([]byte, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("capability", capability),
		attribute.Int("strategy_count", len(strategies)),
	)

	if len(strategies) == 0 {
		span.SetStatus(codes.Error, ErrNoStrategies.Error())
		return nil, fmt.Errorf("capability %q: %w", capability, ErrNoStrategies)
	}

	start := time.Now()
	attempts := make([]Attempt, 0, len(strategies))

	for i, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Strategy: strategy.Name, Index: i, Err: err})
			break
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				attempts = append(attempts, Attempt{Strategy: strategy.Name, Index: i, Err: err})
				break
			}
		}

		timeout := strategy.Timeout
		if timeout <= 0 {
			timeout = g.config.DefaultTimeout
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		attemptStart := time.Now()
		output, err := strategy.Run(attemptCtx, input)
		cancel()
		elapsed := time.Since(attemptStart)

		if err == nil {
			attempts = append(attempts, Attempt{Strategy: strategy.Name, Index: i, Duration: elapsed})
			g.record(ctx, Invocation{
				Capability: capability,
				Outcome:    OutcomeSuccess,
				Attempts:   attempts,
				Duration:   time.Since(start),
				At:         start,
			})
			span.SetAttributes(attribute.Int("winning_strategy", i))
			return output, nil
		}

		attempts = append(attempts, Attempt{Strategy: strategy.Name, Index: i, Err: err, Duration: elapsed})
		g.logger.Warn("strategy failed",
			zap.String("capability", capability),
			zap.String("strategy", strategy.Name),
			zap.Int("strategy_index", i),
			zap.Error(err),
		)
	}

	g.record(ctx, Invocation{
		Capability: capability,
		Outcome:    OutcomeAllFailed,
		Attempts:   attempts,
		Duration:   time.Since(start),
		At:         start,
	})

	exhausted := &ExhaustedError{Capability: capability, Attempts: attempts}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "all strategies exhausted")
	return nil, exhausted
}

// InvokeRegistered invokes a capability using its registered chain.
func (g *Gateway) InvokeRegistered(ctx context.Context, capability string, input []byte) ([]byte, error) {
	strategies, err := g.Strategies(capability)
	if err != nil {
		return nil, err
	}
	return g.Invoke(ctx, capability, input, strategies)
}

// Log returns a snapshot of the in-memory audit log.
func (g *Gateway) Log() []Invocation {
	g.logMu.Lock()
	defer g.logMu.Unlock()
	out := make([]Invocation, len(g.log))
	copy(out, g.log)
	return out
}

func (g *Gateway) record(ctx context.Context, inv Invocation) {
	g.logMu.Lock()
	g.log = append(g.log, inv)
	g.logMu.Unlock()

	if g.invokeCounter != nil {
		g.invokeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("capability", inv.Capability),
			attribute.String("outcome", inv.Outcome),
		))
	}

	if g.recorder != nil {
		if err := g.recorder.Record(ctx, inv); err != nil {
			g.logger.Warn("failed to record invocation",
				zap.String("capability", inv.Capability),
				zap.Error(err),
			)
		}
	}
}
