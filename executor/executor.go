// Package executor performs verified resource deletions with bounded,
// class-aware retries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yairfalse/sunset/providers"
	"github.com/yairfalse/sunset/telemetry"
	"github.com/yairfalse/sunset/types"
)

// Executor deletes resources through a provider Deleter
type Executor struct {
	deleter providers.Deleter
	guard   Guard
	checks  []SafetyCheckFunc
	opts    Options
	logger  *telemetry.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithGuard consults guard before every delete
func WithGuard(guard Guard) Option {
	return func(e *Executor) { e.guard = guard }
}

// WithSafetyChecks replaces the default safety checks
func WithSafetyChecks(checks ...SafetyCheckFunc) Option {
	return func(e *Executor) { e.checks = checks }
}

// WithLogger sets the logger
func WithLogger(logger *telemetry.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an executor
func New(deleter providers.Deleter, opts Options, options ...Option) *Executor {
	e := &Executor{
		deleter: deleter,
		checks:  DefaultSafetyChecks(),
		opts:    opts.withDefaults(),
		logger:  telemetry.Nop(),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Options returns the effective options
func (e *Executor) Options() Options {
	return e.opts
}

// Delete retires res. At most min(maxTries, MaxAttempts) delete calls are
// made; rate limited and transient failures are retried with exponential
// backoff, everything else stops immediately. A successful call is only
// reported as Deleted once Exists confirms the resource is gone.
//
// The call is detached from ctx cancellation: once started, a delete runs
// to completion even if the pass deadline fires.
func (e *Executor) Delete(ctx context.Context, res types.Resource, rec types.LifecycleRecord, maxTries int) Outcome {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	out := Outcome{ResourceID: res.ID}
	log := e.logger.WithContext(ctx).With().Str("resource_id", res.ID).Str("kind", string(res.Kind)).Logger()

	checks, ok, err := e.Preflight(ctx, res, rec)
	out.Checks = checks
	if err != nil {
		return e.fail(out, start, types.NewError(types.ErrorClassUnknown, "preflight", err).WithResource(res.ID))
	}
	if !ok {
		out = e.fail(out, start, types.PolicyDenied("preflight", errors.New(failedChecks(checks))).WithResource(res.ID))
		log.Warn().Str("reason", out.Error()).Msg("deletion blocked by safety checks")
		return out
	}

	if maxTries > e.opts.MaxAttempts {
		maxTries = e.opts.MaxAttempts
	}
	if maxTries <= 0 {
		return e.fail(out, start, types.NewError(types.ErrorClassUnknown, "delete", errors.New("retry budget exhausted")).WithResource(res.ID))
	}

	op := func() (struct{}, error) {
		out.Attempts++
		err := e.deleter.Delete(ctx, res)
		switch class := types.ClassOf(err); {
		case err == nil:
			return struct{}{}, nil
		case class == types.ErrorClassNotFound:
			out.AlreadyGone = true
			return struct{}{}, nil
		case class.Retryable():
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("retry_in", wait).Int("attempt", out.Attempts).Msg("delete failed, retrying")
		}),
	)
	if err != nil {
		out = e.fail(out, start, err)
		log.Error().Err(err).Str("class", string(out.Class)).Int("attempts", out.Attempts).Msg("delete failed")
		return out
	}

	out = e.verify(ctx, res, out)
	out.Duration = time.Since(start)
	if out.Deleted {
		log.Info().Int("attempts", out.Attempts).Bool("already_gone", out.AlreadyGone).Msg("resource deleted")
	} else {
		log.Error().Err(out.Err).Msg("delete accepted but resource still present")
	}
	return out
}

// Confirm checks whether a resource with an interrupted deletion is gone
func (e *Executor) Confirm(ctx context.Context, res types.Resource) Outcome {
	start := time.Now()
	out := Outcome{ResourceID: res.ID}
	exists, err := e.deleter.Exists(ctx, res)
	out.Duration = time.Since(start)
	switch {
	case err != nil:
		out.Class = types.ErrorClassAmbiguous
		out.Err = types.Ambiguous("confirm", err).WithResource(res.ID)
	case exists:
		out.Class = types.ErrorClassConflict
		out.Err = types.Conflict("confirm", errors.New("resource still exists")).WithResource(res.ID)
	default:
		out.Deleted = true
		out.Verified = true
	}
	return out
}

// verify polls Exists until the resource is gone or attempts run out
func (e *Executor) verify(ctx context.Context, res types.Resource, out Outcome) Outcome {
	stillThere := errors.New("resource still present after delete")
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		exists, err := e.deleter.Exists(ctx, res)
		if err != nil {
			return struct{}{}, err
		}
		if exists {
			return struct{}{}, stillThere
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.opts.VerifyInterval)),
		backoff.WithMaxTries(uint(e.opts.VerifyAttempts)),
	)
	if err != nil {
		out.Class = types.ErrorClassAmbiguous
		out.Err = types.Ambiguous("verify", fmt.Errorf("deletion not confirmed: %w", err)).WithResource(res.ID)
		return out
	}
	out.Deleted = true
	out.Verified = true
	return out
}

func (e *Executor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BaseBackoff
	b.Multiplier = e.opts.Multiplier
	b.MaxInterval = e.opts.MaxBackoff
	b.RandomizationFactor = e.opts.Jitter
	return b
}

func (e *Executor) fail(out Outcome, start time.Time, err error) Outcome {
	out.Err = err
	out.Class = types.ClassOf(err)
	out.Terminal = out.Class.Fatal()
	out.Duration = time.Since(start)
	return out
}
