package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// lastValueTTL bounds how stale a fallback read may be.
const lastValueTTL = 5 * time.Minute

// CircuitBreakerHook stops sending commands to a failing Redis. While open,
// GET and HGET of keys read before are answered with the last value seen.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]

	mu   sync.RWMutex
	last map[string]lastValue
	now  func() time.Time
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type lastValue struct {
	data string
	seen time.Time
}

// NewCircuitBreakerHook opens at a 60% failure rate over at least 5 commands
// in 10s, probes again after 30s and closes after one success.
func NewCircuitBreakerHook() *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("redis", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateValue(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{
		cb:   cb,
		last: make(map[string]lastValue),
		now:  time.Now,
	}
}

func stateValue(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Open reports whether the breaker currently rejects commands.
func (h *CircuitBreakerHook) Open() bool {
	return h.cb.State() == circuitbreaker.OpenState
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("redis dial: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, err
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.fallback(cmd)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		h.remember(cmd)
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis pipeline: %w", circuitbreaker.ErrOpen)
		}
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		return err
	}
}

// readKey identifies the value a GET or HGET reads; ok is false for other commands.
func readKey(cmd goredis.Cmder) (string, bool) {
	args := cmd.Args()
	switch cmd.Name() {
	case "get":
		if len(args) >= 2 {
			return fmt.Sprint(args[1]), true
		}
	case "hget":
		if len(args) >= 3 {
			return fmt.Sprint(args[1]) + "\x00" + fmt.Sprint(args[2]), true
		}
	}
	return "", false
}

func (h *CircuitBreakerHook) remember(cmd goredis.Cmder) {
	key, ok := readKey(cmd)
	if !ok {
		return
	}
	sc, ok := cmd.(*goredis.StringCmd)
	if !ok || sc.Err() != nil {
		return
	}

	h.mu.Lock()
	h.last[key] = lastValue{data: sc.Val(), seen: h.now()}
	h.mu.Unlock()
}

func (h *CircuitBreakerHook) fallback(cmd goredis.Cmder) error {
	key, ok := readKey(cmd)
	if !ok {
		return fmt.Errorf("redis %s: %w", cmd.Name(), circuitbreaker.ErrOpen)
	}

	h.mu.RLock()
	v, found := h.last[key]
	h.mu.RUnlock()

	sc, isString := cmd.(*goredis.StringCmd)
	if !found || !isString || h.now().Sub(v.seen) > lastValueTTL {
		return fmt.Errorf("redis %s: %w", cmd.Name(), circuitbreaker.ErrOpen)
	}

	slog.Debug("Circuit breaker open, serving last value", "command", cmd.Name(), "age", h.now().Sub(v.seen))
	sc.SetVal(v.data)
	return nil
}
