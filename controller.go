package armlink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Pose is an ordered set of raw encoder positions, one per joint,
// in joint order. Its length always equals the configured joint count.
type Pose []int

const (
	minVelocity     = 1
	maxVelocity     = 4000
	maxAcceleration = 255
)

// VerifyParams are the tuning constants of the hybrid wait+poll arrival
// verification. The values are empirically tuned, not a correctness
// contract, so they are configurable rather than hard-coded.
type VerifyParams struct {
	// SleepFraction of the travel-time estimate is spent in a single
	// blind sleep before polling starts.
	SleepFraction float64
	// PollInterval between position reads once polling starts.
	PollInterval time.Duration
	// MinPollWindow is the floor of the polling window; the window is
	// otherwise half the travel estimate.
	MinPollWindow time.Duration
	// JitterThreshold is the largest per-joint delta between two
	// consecutive polls still counted as "not moving".
	JitterThreshold int
	// StablePolls is how many consecutive in-tolerance, jitter-free
	// polls declare convergence.
	StablePolls int
	// AccelTimeBonus is the extra travel time granted at zero
	// acceleration; it scales down linearly as acceleration rises.
	AccelTimeBonus time.Duration
	// FallbackTravel is the distance assumed when current positions
	// cannot be read before a move.
	FallbackTravel int
}

// DefaultVerifyParams returns the stock tuning.
func DefaultVerifyParams() VerifyParams {
	return VerifyParams{
		SleepFraction:   0.8,
		PollInterval:    50 * time.Millisecond,
		MinPollWindow:   2 * time.Second,
		JitterThreshold: 4,
		StablePolls:     2,
		AccelTimeBonus:  1500 * time.Millisecond,
		FallbackTravel:  1024,
	}
}

// MotionController issues position/velocity commands for one arm on one
// serial port and verifies physical arrival. All bus transactions are
// serialized behind one mutex, so command issuance and background
// telemetry sampling never interleave mid-transaction.
type MotionController struct {
	cfg    *ArmConfig
	logger logging.Logger
	verify VerifyParams
	clk    clock.Clock

	// dial opens the transport for this controller's port.
	dial func(ctx context.Context) (Transport, error)

	mu        sync.Mutex
	transport Transport
	lastKnown map[string]int // fallback baseline, populated by successful reads

	softFails atomic.Uint64
}

// NewMotionController builds a controller for one arm. The transport is
// not opened until Connect or the first SetPositions call.
func NewMotionController(cfg *ArmConfig, logger logging.Logger) *MotionController {
	c := &MotionController{
		cfg:       cfg,
		logger:    logger,
		verify:    DefaultVerifyParams(),
		clk:       clock.New(),
		lastKnown: make(map[string]int, len(cfg.Joints)),
	}
	c.dial = func(ctx context.Context) (Transport, error) {
		bt, err := OpenBusTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewResilientTransport(bt, logger), nil
	}
	return c
}

// SetVerifyParams replaces the verification tuning. Not safe to call
// while a move is in flight.
func (c *MotionController) SetVerifyParams(p VerifyParams) {
	c.verify = p
}

// Config returns the arm configuration this controller was built with.
func (c *MotionController) Config() *ArmConfig { return c.cfg }

// Connect opens the underlying transport. Idempotent if already
// connected. This is the only call that raises a hard error for an
// unopenable port.
func (c *MotionController) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *MotionController) connectLocked(ctx context.Context) error {
	if c.transport != nil {
		return nil
	}
	t, err := c.dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to arm %s", c.cfg.Name)
	}
	c.transport = t
	return nil
}

// Connected reports whether the transport is currently open.
func (c *MotionController) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Disconnect closes the transport if open.
func (c *MotionController) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *MotionController) closeLocked() error {
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

// Stats returns retry statistics when the transport is resilient.
func (c *MotionController) Stats() (TransportStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.transport.(*ResilientTransport)
	if !ok {
		return TransportStats{}, false
	}
	return rt.Stats(), true
}

// SoftFailures returns how many verifications timed out without
// confirming arrival.
func (c *MotionController) SoftFailures() uint64 {
	return c.softFails.Load()
}

// ReadPositions reads the present position of every joint, one entry per
// joint in joint order. A failing joint surfaces as nil until its first
// successful read; after that, its last known value is returned as a
// fallback for as long as its circuit stays closed. Per-joint failures
// never become an overall error.
func (c *MotionController) ReadPositions(ctx context.Context) []*int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readPositionsLocked(ctx)
}

func (c *MotionController) readPositionsLocked(ctx context.Context) []*int {
	out := make([]*int, len(c.cfg.Joints))
	for i, joint := range c.cfg.Joints {
		if c.transport == nil {
			break
		}
		v, err := c.transport.ReadRegister(ctx, joint, RegPresentPosition)
		if err == nil {
			c.lastKnown[joint] = v
			val := v
			out[i] = &val
			continue
		}
		// Circuit-open joints report nothing; otherwise fall back to the
		// last known-good value if one exists.
		if KindOf(err) == ErrCircuitOpen {
			continue
		}
		if last, ok := c.lastKnown[joint]; ok {
			val := last
			out[i] = &val
		}
	}
	return out
}

// SetPositions commands every joint toward target. Velocity is clamped
// to [1,4000] and acceleration is derived from it. With wait=false the
// call returns as soon as the commands are on the wire. With wait=true
// the hybrid verification runs: a blind sleep through the bulk of the
// estimated travel, then polling until the pose is both within tolerance
// and stable. A verification timeout is a soft failure: it is logged and
// counted, and the call still returns nil because the command itself was
// issued correctly; callers needing a hard guarantee must inspect
// ReadPositions afterwards.
//
// Unless keepConnection is true, a transport that was opened by this
// call is closed again before returning.
func (c *MotionController) SetPositions(ctx context.Context, target Pose, velocity int, wait, keepConnection bool) error {
	if len(target) != len(c.cfg.Joints) {
		return errors.Errorf("expected %d joint positions, got %d", len(c.cfg.Joints), len(target))
	}

	if velocity < minVelocity {
		velocity = minVelocity
	}
	if velocity > maxVelocity {
		velocity = maxVelocity
	}
	accel := velocity * maxAcceleration / maxVelocity
	if accel > maxAcceleration {
		accel = maxAcceleration
	}

	c.mu.Lock()
	openedHere := false
	if c.transport == nil {
		if err := c.connectLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		openedHere = true
	}

	// Best-effort read of the current pose to size the travel estimate.
	current := c.readPositionsLocked(ctx)
	maxDistance := c.verify.FallbackTravel
	known := false
	for i, cur := range current {
		if cur == nil {
			continue
		}
		d := abs(*cur - target[i])
		if !known || d > maxDistance {
			maxDistance = d
		}
		known = true
	}

	// Strict per-joint ordering: torque on, then velocity and
	// acceleration, then the goal position. A joint whose writes fail is
	// logged and skipped so it cannot abort commands to healthy joints.
	// The sequence for one joint always runs to completion: it is issued
	// on a detached context so a cancel cannot strand a joint with a new
	// velocity but a stale goal. Cancellation is honored between joints.
	cmdCtx := context.WithoutCancel(ctx)
	var cancelled error
	for i, joint := range c.cfg.Joints {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		if err := c.writeCommand(cmdCtx, joint, target[i], velocity, accel); err != nil {
			c.logger.Warnf("failed to command joint %s: %v", joint, err)
		}
	}
	c.mu.Unlock()

	closeIfOwned := func() {
		if openedHere && !keepConnection {
			if err := c.Disconnect(); err != nil {
				c.logger.Warnf("error closing transport for %s: %v", c.cfg.Name, err)
			}
		}
	}

	if cancelled != nil {
		closeIfOwned()
		return cancelled
	}

	if !wait {
		closeIfOwned()
		return nil
	}

	err := c.verifyArrival(ctx, target, velocity, accel, maxDistance)
	closeIfOwned()
	return err
}

// writeCommand issues the ordered write sequence for one joint. Must be
// called with c.mu held.
func (c *MotionController) writeCommand(ctx context.Context, joint string, position, velocity, accel int) error {
	if err := c.transport.WriteRegister(ctx, joint, RegTorqueEnable, 1); err != nil {
		return err
	}
	if err := c.transport.WriteRegister(ctx, joint, RegGoalVelocity, velocity); err != nil {
		return err
	}
	if err := c.transport.WriteRegister(ctx, joint, RegAcceleration, accel); err != nil {
		return err
	}
	return c.transport.WriteRegister(ctx, joint, RegGoalPosition, position)
}

// travelEstimate predicts how long the slowest joint needs to reach its
// goal. Lower commanded acceleration earns a larger time bonus, modeling
// the slower ramp.
func (c *MotionController) travelEstimate(maxDistance, velocity, accel int) time.Duration {
	travel := time.Duration(float64(maxDistance) / float64(velocity) * float64(time.Second))
	bonus := time.Duration(float64(c.verify.AccelTimeBonus) * float64(maxAcceleration-accel) / float64(maxAcceleration))
	return travel + bonus
}

func (c *MotionController) verifyArrival(ctx context.Context, target Pose, velocity, accel, maxDistance int) error {
	estimate := c.travelEstimate(maxDistance, velocity, accel)

	// Blind sleep through the bulk of the travel: polling a contended
	// serial link during predictable motion buys nothing.
	if !c.sleepCtx(ctx, time.Duration(float64(estimate)*c.verify.SleepFraction)) {
		return ctx.Err()
	}

	window := estimate / 2
	if window < c.verify.MinPollWindow {
		window = c.verify.MinPollWindow
	}
	deadline := c.clk.Now().Add(window)

	var prev []*int
	stable := 0
	for c.clk.Now().Before(deadline) {
		if !c.sleepCtx(ctx, c.verify.PollInterval) {
			return ctx.Err()
		}

		c.mu.Lock()
		cur := c.readPositionsLocked(ctx)
		c.mu.Unlock()

		maxErr, anyKnown := maxAbsError(cur, target)
		if anyKnown && maxErr <= c.cfg.PositionTolerance && c.poseStable(prev, cur) {
			stable++
			if stable >= c.verify.StablePolls {
				c.logger.Debugf("arm %s converged within %d counts", c.cfg.Name, maxErr)
				return nil
			}
		} else {
			stable = 0
		}
		prev = cur
	}

	// Soft failure: the command was issued correctly, arrival just was
	// not confirmed in time.
	c.softFails.Add(1)
	c.logger.Warnf("arm %s: position not verified within %v (target %v)", c.cfg.Name, window, target)
	return nil
}

// poseStable reports whether no joint moved more than the jitter
// threshold between two consecutive polls.
func (c *MotionController) poseStable(prev, cur []*int) bool {
	if prev == nil {
		return false
	}
	for i := range cur {
		if cur[i] == nil || prev[i] == nil {
			continue
		}
		if abs(*cur[i]-*prev[i]) > c.verify.JitterThreshold {
			return false
		}
	}
	return true
}

// EmergencyStop disables torque on every joint, best effort. Individual
// joint failures are logged and swallowed; no verification runs.
func (c *MotionController) EmergencyStop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
	}

	for _, joint := range c.cfg.Joints {
		if err := c.transport.WriteRegister(ctx, joint, RegTorqueEnable, 0); err != nil {
			c.logger.Warnf("failed to disable torque on joint %s: %v", joint, err)
		}
	}
	return nil
}

// ConfigureServos applies the standard tuning registers to every joint:
// minimal response delay and softened PID gains. Best effort; a failing
// register write is logged and skipped.
func (c *MotionController) ConfigureServos(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	tuning := []struct {
		reg   Register
		value int
	}{
		{RegResponseDelay, 0}, // minimum status return delay
		{RegAcceleration, 254},
		{RegPGain, 16}, // lowered from the factory 32 to reduce shakiness
		{RegIGain, 0},
		{RegDGain, 32},
	}

	for _, joint := range c.cfg.Joints {
		for _, t := range tuning {
			if err := c.transport.WriteRegister(ctx, joint, t.reg, t.value); err != nil {
				c.logger.Debugf("failed to set %s for joint %s: %v", t.reg, joint, err)
			}
		}
	}
	c.logger.Debugf("servo tuning applied to %d joints on %s", len(c.cfg.Joints), c.cfg.Name)
	return nil
}

func (c *MotionController) sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := c.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// maxAbsError computes the largest |current-target| across joints with a
// known reading.
func maxAbsError(current []*int, target Pose) (int, bool) {
	maxErr := 0
	known := false
	for i, cur := range current {
		if cur == nil {
			continue
		}
		if d := abs(*cur - target[i]); !known || d > maxErr {
			maxErr = d
		}
		known = true
	}
	return maxErr, known
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
