package armlink

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	defaultRetryCap     = 5
	defaultCircuitAfter = 10
	defaultProbeEvery   = time.Second
	defaultBackoffInit  = 50 * time.Millisecond
	defaultBackoffMult  = 1.5
	defaultBackoffCap   = 500 * time.Millisecond
)

// JointHealth tracks the link health of one joint. Owned exclusively by
// ResilientTransport; other components only see copies.
type JointHealth struct {
	ConsecutiveFailures int
	LastError           ErrorKind
	LastAttempt         time.Time
	Recovered           bool // the joint has failed and come back at least once
}

// TransportStats is a read-only snapshot of retry activity.
type TransportStats struct {
	TotalRetries uint64
	Recoveries   uint64
	OpenCircuits []string
}

// ResilientTransport wraps any Transport with retry, per-joint health
// tracking and circuit breaking. Transient errors (voltage glitches,
// corrupted packets, port contention) are retried with exponential
// backoff; fatal errors pass through immediately. A joint that keeps
// failing is circuit-opened: skipped on every call and probed at most
// once per probe interval, so a dead joint cannot burn the retry budget
// of its healthy neighbors.
type ResilientTransport struct {
	inner  Transport
	logger logging.Logger
	clk    clock.Clock

	retryCap     int
	circuitAfter int
	probeEvery   time.Duration
	backoffInit  time.Duration
	backoffMult  float64
	backoffCap   time.Duration

	mu           sync.Mutex
	health       map[string]*JointHealth
	totalRetries uint64
	recoveries   uint64
}

// NewResilientTransport wraps inner with the default retry policy.
func NewResilientTransport(inner Transport, logger logging.Logger) *ResilientTransport {
	return &ResilientTransport{
		inner:        inner,
		logger:       logger,
		clk:          clock.New(),
		retryCap:     defaultRetryCap,
		circuitAfter: defaultCircuitAfter,
		probeEvery:   defaultProbeEvery,
		backoffInit:  defaultBackoffInit,
		backoffMult:  defaultBackoffMult,
		backoffCap:   defaultBackoffCap,
		health:       make(map[string]*JointHealth),
	}
}

func (r *ResilientTransport) ReadRegister(ctx context.Context, joint string, reg Register) (int, error) {
	var out int
	err := r.do(ctx, joint, func() error {
		v, err := r.inner.ReadRegister(ctx, joint, reg)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (r *ResilientTransport) WriteRegister(ctx context.Context, joint string, reg Register, value int) error {
	return r.do(ctx, joint, func() error {
		return r.inner.WriteRegister(ctx, joint, reg, value)
	})
}

func (r *ResilientTransport) Close() error {
	return r.inner.Close()
}

// Health returns a copy of one joint's health record.
func (r *ResilientTransport) Health(joint string) (JointHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[joint]
	if !ok {
		return JointHealth{}, false
	}
	return *h, true
}

// Stats returns a snapshot of retry counters and circuit-open joints.
func (r *ResilientTransport) Stats() TransportStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var open []string
	for joint, h := range r.health {
		if h.ConsecutiveFailures >= r.circuitAfter {
			open = append(open, joint)
		}
	}
	sort.Strings(open)

	return TransportStats{
		TotalRetries: r.totalRetries,
		Recoveries:   r.recoveries,
		OpenCircuits: open,
	}
}

// do runs op under the retry policy. The policy is a pure function of
// the structured ErrorKind: retryable kinds get up to retryCap retries
// with exponential backoff, fatal kinds propagate at once. A probe call
// against a circuit-open joint gets exactly one attempt.
func (r *ResilientTransport) do(ctx context.Context, joint string, op func() error) error {
	probe, gateErr := r.gate(joint)
	if gateErr != nil {
		return gateErr
	}

	err := op()
	if err == nil {
		r.markSuccess(joint)
		return nil
	}
	kind := KindOf(err)
	r.markFailure(joint, kind)
	if probe || !kind.Retryable() {
		return err
	}

	bo := r.newBackoff()
	for attempt := 0; attempt < r.retryCap; attempt++ {
		delay := bo.NextBackOff()
		if !r.sleep(ctx, delay) {
			return ctx.Err()
		}

		r.mu.Lock()
		r.totalRetries++
		r.mu.Unlock()

		err = op()
		if err == nil {
			r.markSuccess(joint)
			return nil
		}
		kind = KindOf(err)
		r.markFailure(joint, kind)
		if !kind.Retryable() {
			return err
		}
		r.logger.Debugf("retry %d/%d for joint %s failed: %v", attempt+1, r.retryCap, joint, err)
	}
	return err
}

// gate decides how a call against a joint may proceed: normally, as a
// single probe attempt, or not at all while the circuit is open.
func (r *ResilientTransport) gate(joint string) (probe bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[joint]
	if !ok || h.ConsecutiveFailures < r.circuitAfter {
		return false, nil
	}
	if r.clk.Now().Sub(h.LastAttempt) < r.probeEvery {
		return false, &TransportError{
			Joint: joint,
			Kind:  ErrCircuitOpen,
			Err:   errors.Errorf("joint excluded after %d consecutive failures", h.ConsecutiveFailures),
		}
	}
	// Claim the probe window now so a second caller arriving before the
	// probe attempt finishes is rejected instead of probing too.
	h.LastAttempt = r.clk.Now()
	return true, nil
}

func (r *ResilientTransport) markSuccess(joint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.healthFor(joint)
	if h.ConsecutiveFailures > 0 {
		if h.ConsecutiveFailures >= r.circuitAfter {
			r.logger.Infof("joint %s recovered after %d consecutive failures", joint, h.ConsecutiveFailures)
		}
		h.Recovered = true
		r.recoveries++
	}
	h.ConsecutiveFailures = 0
	h.LastError = ErrNone
	h.LastAttempt = r.clk.Now()
}

func (r *ResilientTransport) markFailure(joint string, kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.healthFor(joint)
	h.ConsecutiveFailures++
	h.LastError = kind
	h.LastAttempt = r.clk.Now()
	if h.ConsecutiveFailures == r.circuitAfter {
		r.logger.Warnf("joint %s circuit opened after %d consecutive failures (last: %s)",
			joint, h.ConsecutiveFailures, kind)
	}
}

// healthFor must be called with r.mu held.
func (r *ResilientTransport) healthFor(joint string) *JointHealth {
	h, ok := r.health[joint]
	if !ok {
		h = &JointHealth{}
		r.health[joint] = h
	}
	return h
}

func (r *ResilientTransport) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInit
	bo.RandomizationFactor = 0 // deterministic delays
	bo.Multiplier = r.backoffMult
	bo.MaxInterval = r.backoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (r *ResilientTransport) sleep(ctx context.Context, d time.Duration) bool {
	t := r.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
