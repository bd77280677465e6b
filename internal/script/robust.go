package script

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
)

// State is the Robust Runner's state machine, §4.2:
// HEALTHY -> STALE -> PROBING -> {HEALTHY | DIAGNOSING} -> {HEALTHY | UNREACHABLE}
type State string

const (
	StateHealthy    State = "HEALTHY"
	StateStale      State = "STALE"
	StateProbing    State = "PROBING"
	StateDiagnosing State = "DIAGNOSING"
	StateUnreachable State = "UNREACHABLE"
)

// Probes supplies the three scripts the DIAGNOSING cascade runs, in
// order, and the small probe script used for staleness checks. Each
// returns nil on success or an error on failure.
type Probes struct {
	Staleness          func(ctx context.Context) error
	AppReachable       func(ctx context.Context) error
	DocReachable       func(ctx context.Context) error
	CollectionReachable func(ctx context.Context) error
}

// RobustRunner wraps an Executor with connection-staleness detection,
// consecutive-failure tracking via a gobreaker.CircuitBreaker (whose
// trip-after-N-failures / half-open-probe / close-on-success shape
// realizes the "three consecutive failures -> DIAGNOSING" rule and the
// PROBING state as gobreaker's own half-open state), and the ordered
// probe cascade DIAGNOSING runs that gobreaker has no concept of.
type RobustRunner struct {
	inner  Executor
	probes Probes
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	lastSuccess    time.Time
	stalenessWindow time.Duration
	breaker        *gobreaker.CircuitBreaker
}

func NewRobustRunner(inner Executor, probes Probes, stalenessWindow time.Duration, logger *zap.Logger) *RobustRunner {
	r := &RobustRunner{
		inner:           inner,
		probes:          probes,
		logger:          logger,
		state:           StateHealthy,
		lastSuccess:     time.Now(),
		stalenessWindow: stalenessWindow,
	}

	settings := gobreaker.Settings{
		Name:        "external-host",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onBreakerStateChange(from, to)
		},
	}
	r.breaker = gobreaker.NewCircuitBreaker(settings)
	return r
}

func (r *RobustRunner) onBreakerStateChange(from, to gobreaker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch to {
	case gobreaker.StateHalfOpen:
		r.state = StateProbing
	case gobreaker.StateOpen:
		// The breaker opening after 3 consecutive failures is this
		// runner's cue to run the ordered diagnosis cascade; the actual
		// cascade runs synchronously inside Execute on the failure that
		// trips it, so here we only record that we are diagnosing.
		r.state = StateDiagnosing
	case gobreaker.StateClosed:
		r.state = StateHealthy
	}
	if r.logger != nil {
		r.logger.Debug("robust runner state change",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}
}

// Execute runs scriptText through the staleness check (if the staleness
// window has elapsed), then the breaker-guarded inner Executor, then
// (on a breaker trip) the ordered diagnosis cascade.
func (r *RobustRunner) Execute(ctx context.Context, scriptText string) (*Result, error) {
	if err := r.checkStaleness(ctx); err != nil {
		return nil, err
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.Execute(ctx, scriptText)
	})

	if err == nil {
		r.mu.Lock()
		r.lastSuccess = time.Now()
		r.state = StateHealthy
		r.mu.Unlock()
		return result.(*Result), nil
	}

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, r.diagnose(ctx)
	}
	if r.breaker.State() == gobreaker.StateOpen {
		// This failure is the one that tripped the breaker.
		return nil, r.diagnose(ctx)
	}

	return nil, enrichError(err)
}

// checkStaleness transitions HEALTHY->STALE and runs the small probe
// script when the staleness window has elapsed since the last success.
func (r *RobustRunner) checkStaleness(ctx context.Context) error {
	r.mu.Lock()
	elapsed := time.Since(r.lastSuccess)
	stale := r.stalenessWindow > 0 && elapsed > r.stalenessWindow
	if stale {
		r.state = StateStale
	}
	r.mu.Unlock()

	if !stale || r.probes.Staleness == nil {
		return nil
	}
	if err := r.probes.Staleness(ctx); err != nil {
		return apperr.New(apperr.CodeConnectionLost, "external host connection appears stale").
			WithDetails(err.Error())
	}
	return nil
}

// diagnose runs the three ordered probes of §4.2's DIAGNOSING cascade. The
// first failing probe determines the surfaced error; if all pass, surfaces
// EXECUTION_FAILING_DESPITE_HEALTH.
func (r *RobustRunner) diagnose(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateDiagnosing
	r.mu.Unlock()

	if r.probes.AppReachable != nil {
		if err := r.probes.AppReachable(ctx); err != nil {
			r.setUnreachable()
			return apperr.New(apperr.CodeAppUnreachable, "application is not reachable").WithDetails(err.Error())
		}
	}
	if r.probes.DocReachable != nil {
		if err := r.probes.DocReachable(ctx); err != nil {
			r.setUnreachable()
			return apperr.New(apperr.CodeDocUnreachable, "document is not reachable").WithDetails(err.Error())
		}
	}
	if r.probes.CollectionReachable != nil {
		if err := r.probes.CollectionReachable(ctx); err != nil {
			r.setUnreachable()
			return apperr.New(apperr.CodeCollectionUnreach, "core collections are not reachable").WithDetails(err.Error())
		}
	}

	r.mu.Lock()
	r.state = StateHealthy
	r.mu.Unlock()
	return apperr.New(apperr.CodeExecFailingDespite, "all health probes passed but execution keeps failing")
}

func (r *RobustRunner) setUnreachable() {
	r.mu.Lock()
	r.state = StateUnreachable
	r.mu.Unlock()
}

// CurrentState returns the runner's current state, for the `system`
// verb's diagnostics surface (§4.8).
func (r *RobustRunner) CurrentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// enrichError adds a host-unresponsiveness hint to low-level errors (e.g.
// null-conversion failures), per §4.2. It never retries; it only attaches
// a suggestion so the caller may choose to retry.
func enrichError(err error) error {
	ae, ok := apperr.As(err)
	if !ok {
		return apperr.Wrap(err, apperr.CodeScriptFailed, "script execution failed").
			WithSuggestion("the external host may be unresponsive; verify it is running and retry")
	}
	if ae.Suggestion == "" {
		switch ae.Code {
		case apperr.CodeTimeout:
			ae.WithSuggestion("the external host may be under load; consider retrying with a longer timeout")
		case apperr.CodeScriptFailed:
			ae.WithSuggestion("the external host may be unresponsive; verify it is running and retry")
		}
	}
	return ae
}
