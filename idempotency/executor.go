package idempotency

import (
	"context"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/owner"
)

// ExecResult is the terminal disposition of one Executor.Run
// call.
type ExecResult int

const (
	// Completed means fn ran to success this call.
	Completed ExecResult = iota
	// Suppressed means the key was already Completed by a prior attempt;
	// fn did not run.
	Suppressed
	// Retry means the caller should re-dispatch later: the key is held by
	// another in-flight attempt, or this attempt's fn failed transiently.
	Retry
	// PermanentFailure means fn failed in a way that must not be retried.
	PermanentFailure
)

func (r ExecResult) String() string {
	switch r {
	case Completed:
		return "Completed"
	case Suppressed:
		return "Suppressed"
	case Retry:
		return "Retry"
	case PermanentFailure:
		return "PermanentFailure"
	default:
		return "Unknown"
	}
}

// Outcome carries fn's serialized result back to a caller interested in a
// Suppressed replay's original value.
type Outcome []byte

// Fn is the work an Executor runs at most once per key's TTL window. A nil
// error completes the key (Completed), a *PermanentError fails it for good
// (PermanentFailure), and any other error yields Retry.
type Fn func(ctx context.Context) (Outcome, error)

// PermanentError wraps an error fn returns to signal it must not be
// retried (the Executor then marks the key Failed rather than
// deleting it).
type PermanentError struct {
	Err error
}

func (p *PermanentError) Error() string { return p.Err.Error() }
func (p *PermanentError) Unwrap() error { return p.Err }

// Prober lets a caller confirm, after an interrupted attempt, whether fn's
// side effect actually landed (e.g. by checking a downstream system for
// the effect's fingerprint). When a probe confirms the effect, the
// executor treats the attempt as Completed without replaying fn.
type Prober func(ctx context.Context) (landed bool, outcome Outcome, err error)

// Executor drives Fn invocations through a Store so concurrent or retried
// calls for the same key collapse into a single execution.
type Executor struct {
	store *Store
	self  owner.Token
	ttl   time.Duration
	clock clock.Clock
}

// NewExecutor builds an Executor over store, presenting self as the owner
// of every InProgress lock it takes, holding each for ttl.
func NewExecutor(s *Store, self owner.Token, ttl time.Duration, clk clock.Clock) *Executor {
	return &Executor{store: s, self: self, ttl: ttl, clock: clk}
}

// Run resolves key, begins (or rejoins) its idempotency window, and
// executes fn exactly once per successful completion. A key held
// AlreadyInProgress always yields Retry. probe, when non-nil, is consulted
// after every Fresh begin and before fn runs: when it reports that the
// effect already landed, the key is completed with the probe's outcome and
// fn does not run.
func (e *Executor) Run(ctx context.Context, key string, fn Fn, probe Prober) (ExecResult, Outcome, error) {
	result, err := e.store.BeginAsync(ctx, key, e.self, e.ttl)
	if err != nil {
		return Retry, nil, err
	}

	switch result.Status {
	case AlreadyCompleted:
		return Suppressed, result.Outcome, nil
	case AlreadyFailed:
		return PermanentFailure, nil, nil
	case AlreadyInProgress:
		if result.Deadline.After(e.clock.Now()) {
			return Retry, nil, nil
		}
		// Deadline already passed from this caller's view but BeginAsync's
		// own WHERE guard is the sole arbiter of expiry; ask it again is
		// unnecessary, report Retry and let the next dispatch attempt
		// re-enter BeginAsync, which will steal the lock once its own
		// clock agrees the deadline has passed.
		return Retry, nil, nil
	}

	if probe != nil {
		landed, outcome, perr := probe(ctx)
		if perr == nil && landed {
			if cerr := e.store.CompleteAsync(ctx, key, e.self, outcome); cerr != nil {
				return Retry, nil, cerr
			}
			return Completed, outcome, nil
		}
	}

	outcome, ferr := fn(ctx)
	if ferr == nil {
		if cerr := e.store.CompleteAsync(ctx, key, e.self, outcome); cerr != nil {
			return Retry, nil, cerr
		}
		return Completed, outcome, nil
	}

	if perm, ok := ferr.(*PermanentError); ok {
		if failErr := e.store.FailAsync(ctx, key, e.self, perm.Error(), true); failErr != nil {
			return Retry, nil, failErr
		}
		return PermanentFailure, nil, nil
	}

	if failErr := e.store.FailAsync(ctx, key, e.self, ferr.Error(), false); failErr != nil {
		return Retry, nil, failErr
	}
	return Retry, nil, nil
}
