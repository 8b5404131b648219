package armlink

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fastVerifyParams shrinks the verification timings so tests converge in
// a few milliseconds.
func fastVerifyParams() VerifyParams {
	return VerifyParams{
		SleepFraction:   0,
		PollInterval:    time.Millisecond,
		MinPollWindow:   100 * time.Millisecond,
		JitterThreshold: 4,
		StablePolls:     2,
		AccelTimeBonus:  0,
		FallbackTravel:  10,
	}
}

func testArmConfig(t *testing.T) *ArmConfig {
	t.Helper()
	cfg := &ArmConfig{Port: "/dev/ttyUSB0"}
	require.NoError(t, cfg.Validate())
	return cfg
}

// simController wires a MotionController to an in-memory bus.
func simController(t *testing.T, sim *simTransport) *MotionController {
	t.Helper()
	cfg := testArmConfig(t)
	c := NewMotionController(cfg, logging.NewTestLogger(t))
	c.SetVerifyParams(fastVerifyParams())
	c.dial = func(ctx context.Context) (Transport, error) { return sim, nil }
	return c
}

func simForConfig(cfg *ArmConfig) *simTransport {
	return newSimTransport(cfg.Joints...)
}

func TestSetPositionsRoundTrip(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	c := simController(t, sim)

	target := Pose{100, 200, 300, 400, 500, 600}
	require.NoError(t, c.SetPositions(context.Background(), target, 600, true, true))

	positions := c.ReadPositions(context.Background())
	require.Len(t, positions, len(cfg.Joints))
	for i, pos := range positions {
		require.NotNil(t, pos, "joint %s", cfg.Joints[i])
		assert.InDelta(t, target[i], *pos, float64(cfg.PositionTolerance))
	}
	assert.Zero(t, c.SoftFailures())
}

func TestSetPositionsCommandOrder(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	c := simController(t, sim)

	target := Pose{100, 200, 300, 400, 500, 600}
	require.NoError(t, c.SetPositions(context.Background(), target, 600, false, true))

	for i, joint := range cfg.Joints {
		writes := sim.writesFor(joint)
		require.Len(t, writes, 4, "joint %s", joint)
		assert.Equal(t, RegTorqueEnable, writes[0].reg)
		assert.Equal(t, 1, writes[0].value)
		assert.Equal(t, RegGoalVelocity, writes[1].reg)
		assert.Equal(t, RegAcceleration, writes[2].reg)
		assert.Equal(t, RegGoalPosition, writes[3].reg)
		assert.Equal(t, target[i], writes[3].value)
	}
}

func TestSetPositionsClampsVelocity(t *testing.T) {
	cfg := testArmConfig(t)

	tests := []struct {
		name         string
		velocity     int
		wantVelocity int
		wantAccel    int
	}{
		{"above ceiling", 9999, 4000, 255},
		{"below floor", 0, 1, 0},
		{"negative", -17, 1, 0},
		{"mid range", 2000, 2000, 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := simForConfig(cfg)
			c := simController(t, sim)
			target := make(Pose, len(cfg.Joints))

			require.NoError(t, c.SetPositions(context.Background(), target, tt.velocity, false, true))

			writes := sim.writesFor(cfg.Joints[0])
			require.Len(t, writes, 4)
			assert.Equal(t, tt.wantVelocity, writes[1].value)
			assert.Equal(t, tt.wantAccel, writes[2].value)
		})
	}
}

func TestSetPositionsLengthMismatch(t *testing.T) {
	cfg := testArmConfig(t)
	c := simController(t, simForConfig(cfg))

	err := c.SetPositions(context.Background(), Pose{1, 2, 3}, 600, false, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 6 joint positions")
}

func TestReadPositionsFallbackBaseline(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	c := simController(t, sim)
	require.NoError(t, c.Connect(context.Background()))

	bad := cfg.Joints[2]
	sim.setRegister(bad, RegPresentPosition, 1500)
	sim.setFailReads(bad, -1)

	// Never read successfully: the joint reports nothing.
	positions := c.ReadPositions(context.Background())
	assert.Nil(t, positions[2])
	for i := range positions {
		if i != 2 {
			assert.NotNil(t, positions[i], "joint %s", cfg.Joints[i])
		}
	}

	// One good read establishes the baseline.
	sim.setFailReads(bad, 0)
	positions = c.ReadPositions(context.Background())
	require.NotNil(t, positions[2])
	assert.Equal(t, 1500, *positions[2])

	// Failures afterwards fall back to the last known value.
	sim.setFailReads(bad, -1)
	positions = c.ReadPositions(context.Background())
	require.NotNil(t, positions[2])
	assert.Equal(t, 1500, *positions[2])
}

func TestReadPositionsSurvivesPeriodicFaults(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	for i, joint := range cfg.Joints {
		sim.setRegister(joint, RegPresentPosition, 1000+i)
	}
	sim.failEvery = 3 // every third read on the wire glitches

	c := simController(t, sim)
	c.dial = func(ctx context.Context) (Transport, error) {
		rt := NewResilientTransport(sim, logging.NewTestLogger(t))
		rt.backoffInit = time.Microsecond
		return rt, nil
	}
	require.NoError(t, c.Connect(context.Background()))

	for iter := 0; iter < 20; iter++ {
		positions := c.ReadPositions(context.Background())
		for i, pos := range positions {
			require.NotNil(t, pos, "iteration %d joint %s", iter, cfg.Joints[i])
			assert.Equal(t, 1000+i, *pos)
		}
	}

	stats, ok := c.Stats()
	require.True(t, ok)
	assert.Greater(t, stats.TotalRetries, uint64(0))
	assert.Empty(t, stats.OpenCircuits)
}

func TestVerifyTimeoutIsSoftFailure(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	sim.instantMove = false // the arm never physically arrives

	c := simController(t, sim)
	p := fastVerifyParams()
	p.MinPollWindow = 20 * time.Millisecond
	c.SetVerifyParams(p)

	target := Pose{50, 50, 50, 50, 50, 50}
	err := c.SetPositions(context.Background(), target, 4000, true, true)

	// The command was issued correctly, so no hard error surfaces.
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.SoftFailures())
}

func TestVerifyRequiresStablePose(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	// Joints teleport to their goals but then hunt around them: present
	// position reads alternate goal-10/goal+10. Every poll is within the
	// tolerance of 20, yet the 20-count swing between consecutive polls
	// exceeds the jitter threshold of 4.
	sim.jitter = 10

	c := simController(t, sim)
	p := fastVerifyParams()
	p.MinPollWindow = 20 * time.Millisecond
	c.SetVerifyParams(p)

	target := Pose{100, 200, 300, 400, 500, 600}
	err := c.SetPositions(context.Background(), target, 4000, true, true)

	// Proximity alone is not arrival: the pose never settles, so the
	// window expires as a soft failure.
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.SoftFailures())
}

func TestCancelDoesNotSplitJointCommand(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	c := simController(t, sim)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel lands mid-sequence, right after the first joint's velocity
	// write.
	sim.onWrite = func(joint string, reg Register, value int) {
		if joint == cfg.Joints[0] && reg == RegGoalVelocity {
			cancel()
		}
	}

	target := Pose{100, 200, 300, 400, 500, 600}
	err := c.SetPositions(ctx, target, 600, false, true)
	require.ErrorIs(t, err, context.Canceled)

	// The first joint's sequence still ran to completion through the
	// goal write; remaining joints were never started.
	writes := sim.writesFor(cfg.Joints[0])
	require.Len(t, writes, 4)
	assert.Equal(t, RegGoalPosition, writes[3].reg)
	assert.Equal(t, target[0], writes[3].value)
	for _, joint := range cfg.Joints[1:] {
		assert.Empty(t, sim.writesFor(joint), "joint %s", joint)
	}
}

func TestVerifyCancellation(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	sim.instantMove = false

	c := simController(t, sim)
	p := fastVerifyParams()
	p.MinPollWindow = 10 * time.Second
	c.SetVerifyParams(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.SetPositions(ctx, Pose{1000, 1000, 1000, 1000, 1000, 1000}, 600, true, true)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("verification did not observe cancellation")
	}
	assert.Zero(t, c.SoftFailures())
}

func TestConnectIdempotent(t *testing.T) {
	cfg := testArmConfig(t)
	dials := 0
	c := NewMotionController(cfg, logging.NewTestLogger(t))
	c.dial = func(ctx context.Context) (Transport, error) {
		dials++
		return simForConfig(cfg), nil
	}

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, dials)
	assert.True(t, c.Connected())

	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())
}

func TestConnectFailureIsHard(t *testing.T) {
	cfg := testArmConfig(t)
	c := NewMotionController(cfg, logging.NewTestLogger(t))
	c.dial = func(ctx context.Context) (Transport, error) {
		return nil, errors.New("no such device")
	}

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")

	// SetPositions propagates the same hard error when it has to open
	// the transport itself.
	err = c.SetPositions(context.Background(), make(Pose, len(cfg.Joints)), 600, false, false)
	require.Error(t, err)
}

func TestSetPositionsClosesOwnedTransport(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	c := simController(t, sim)

	require.NoError(t, c.SetPositions(context.Background(), make(Pose, len(cfg.Joints)), 600, false, false))

	// The transport was opened by the call, so it is released again.
	assert.False(t, c.Connected())

	sim2 := simForConfig(cfg)
	c2 := simController(t, sim2)
	require.NoError(t, c2.SetPositions(context.Background(), make(Pose, len(cfg.Joints)), 600, false, true))
	assert.True(t, c2.Connected())
}

func TestEmergencyStopBestEffort(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	c := simController(t, sim)
	require.NoError(t, c.Connect(context.Background()))

	sim.setFailWrites(cfg.Joints[1], -1)

	require.NoError(t, c.EmergencyStop(context.Background()))

	// Every joint gets a torque-off attempt, including the failing one.
	for _, joint := range cfg.Joints {
		writes := sim.writesFor(joint)
		require.NotEmpty(t, writes, "joint %s", joint)
		last := writes[len(writes)-1]
		assert.Equal(t, RegTorqueEnable, last.reg)
		assert.Equal(t, 0, last.value)
	}
}

func TestConfigureServosWritesTuning(t *testing.T) {
	cfg := testArmConfig(t)
	sim := simForConfig(cfg)
	c := simController(t, sim)

	require.NoError(t, c.ConfigureServos(context.Background()))

	for _, joint := range cfg.Joints {
		writes := sim.writesFor(joint)
		require.Len(t, writes, 5, "joint %s", joint)
		assert.Equal(t, RegResponseDelay, writes[0].reg)
		assert.Equal(t, 0, writes[0].value)
		assert.Equal(t, RegPGain, writes[2].reg)
		assert.Equal(t, 16, writes[2].value)
	}
}

func TestTravelEstimate(t *testing.T) {
	cfg := testArmConfig(t)
	c := NewMotionController(cfg, logging.NewTestLogger(t))

	// Full-speed moves get no acceleration bonus.
	atSpeed := c.travelEstimate(2000, 4000, 255)
	assert.Equal(t, 500*time.Millisecond, atSpeed)

	// Lower acceleration earns extra settle time.
	gentle := c.travelEstimate(2000, 4000, 0)
	assert.Equal(t, 2*time.Second, gentle)
}
