package grant

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval             = 5 * time.Second
	DefaultSlowDownIncrement    = 5 * time.Second
	DefaultMaxTransientFailures = 3
)

// Fetcher performs one token request. A *ProtocolError return carries the
// server's error code; any other error is a transport or decoding failure.
type Fetcher[R any] func(ctx context.Context) (R, error)

// PollConfig bounds and instruments one poll loop.
type PollConfig struct {
	// Interval is the initial wait between requests. Zero means DefaultInterval.
	Interval time.Duration
	// Deadline is the grant expiry. Required.
	Deadline time.Time

	SlowDownIncrement    time.Duration
	MaxTransientFailures int

	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	OnAttempt func(PollAttempt)
	Logger    logrus.FieldLogger
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SlowDownIncrement <= 0 {
		c.SlowDownIncrement = DefaultSlowDownIncrement
	}
	if c.MaxTransientFailures <= 0 {
		c.MaxTransientFailures = DefaultMaxTransientFailures
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll calls fetch once per interval until it yields a terminal state, the
// deadline passes, or ctx is cancelled. observe, when non-nil, receives every
// state change after the initial Pending, terminal state included.
//
// On cancellation Poll returns ctx.Err() and no terminal state is observed.
func Poll[R any](ctx context.Context, cfg PollConfig, fetch Fetcher[R], observe func(State[R])) (State[R], error) {
	if cfg.Deadline.IsZero() {
		return State[R]{}, ErrNoDeadline
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger.WithField("component", "grant_poller")

	emit := func(s State[R]) State[R] {
		if observe != nil {
			observe(s)
		}
		return s
	}

	interval := cfg.Interval
	failures := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return State[R]{}, err
		}
		if !cfg.Now().Before(cfg.Deadline) {
			return emit(Expired[R]()), nil
		}
		wait := interval
		if rem := cfg.Deadline.Sub(cfg.Now()); rem < wait {
			wait = rem
		}
		if err := cfg.Sleep(ctx, wait); err != nil {
			return State[R]{}, err
		}
		if !cfg.Now().Before(cfg.Deadline) {
			return emit(Expired[R]()), nil
		}

		res, err := fetch(ctx)
		if ctx.Err() != nil {
			return State[R]{}, ctx.Err()
		}
		pa := PollAttempt{Index: attempt, Interval: interval, Err: err}
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pa.Code = pe.Code
		}
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(pa)
		}

		next, step := classify(res, err, interval, cfg.SlowDownIncrement)
		switch step {
		case stepDone:
			return emit(next), nil
		case stepContinue:
			failures = 0
		case stepSlowDown:
			failures = 0
			interval = next.Interval
			log.WithFields(logrus.Fields{"attempt": attempt, "interval": interval}).Debug("slow_down received")
			emit(next)
		case stepTransient:
			failures++
			log.WithFields(logrus.Fields{"attempt": attempt, "failures": failures}).WithError(err).Warn("grant poll attempt failed")
			if failures >= cfg.MaxTransientFailures {
				return emit(next), nil
			}
		}
	}
}

type step int

const (
	stepContinue step = iota
	stepSlowDown
	stepTransient
	stepDone
)

// classify maps one fetch result to the next state. For stepTransient the
// returned state is the Error the loop ends with once retries run out.
func classify[R any](res R, err error, interval, slowDownInc time.Duration) (State[R], step) {
	if err == nil {
		return Approved(res), stepDone
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return Failed[R](CodeTransportError, err.Error()), stepTransient
	}
	switch pe.Code {
	case CodeAuthorizationPending:
		return Pending[R](interval), stepContinue
	case CodeSlowDown:
		next := interval + slowDownInc
		if suggested := time.Duration(pe.Interval) * time.Second; suggested > next {
			next = suggested
		}
		return Pending[R](next), stepSlowDown
	case CodeExpiredToken:
		return Expired[R](), stepDone
	case CodeAccessDenied:
		reason := pe.Description
		if reason == "" {
			reason = CodeAccessDenied
		}
		return Denied[R](reason), stepDone
	}
	if _, ok := terminalCodes[pe.Code]; ok {
		return Failed[R](pe.Code, pe.Description), stepDone
	}
	return Failed[R](pe.Code, pe.Description), stepTransient
}
