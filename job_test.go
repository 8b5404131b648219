package armlink

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func simHandle(t *testing.T, port string) (*Handle, *simTransport) {
	t.Helper()
	r, sims := simRegistry(t)
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	h, err := r.GetHandle(port, &ArmConfig{Port: port})
	require.NoError(t, err)
	return h, sims[port]
}

func TestMotionJobLifecycle(t *testing.T) {
	h, _ := simHandle(t, "/dev/ttyUSB0")
	logger := logging.NewTestLogger(t)

	var finished atomic.Int32
	var finishedOK atomic.Bool

	job := NewMotionJob(h, MotionRequest{
		Target:   Pose{100, 200, 300, 400, 500, 600},
		Velocity: 600,
	}, logger)
	job.OnFinished(func(success bool, message string) {
		finished.Add(1)
		finishedOK.Store(success)
	})

	assert.Equal(t, JobPending, job.Status())
	assert.NotEmpty(t, job.ID())
	_, done := job.Result()
	assert.False(t, done)

	require.NoError(t, job.Start())

	result, joined := job.Wait(5 * time.Second)
	require.True(t, joined)
	assert.True(t, result.Success)
	assert.Equal(t, JobSucceeded, job.Status())
	assert.True(t, job.Status().Terminal())
	assert.Equal(t, int32(1), finished.Load())
	assert.True(t, finishedOK.Load())

	result2, done := job.Result()
	assert.True(t, done)
	assert.Equal(t, result, result2)
}

func TestMotionJobStartOnlyOnce(t *testing.T) {
	h, _ := simHandle(t, "/dev/ttyUSB0")
	job := NewMotionJob(h, MotionRequest{
		Target:   make(Pose, len(DefaultJointNames)),
		Velocity: 600,
	}, logging.NewTestLogger(t))

	require.NoError(t, job.Start())
	assert.Error(t, job.Start())

	_, joined := job.Wait(5 * time.Second)
	require.True(t, joined)
}

func TestMotionJobFinishedFiresExactlyOnce(t *testing.T) {
	h, _ := simHandle(t, "/dev/ttyUSB0")

	var finished atomic.Int32
	job := NewMotionJob(h, MotionRequest{
		Target:   make(Pose, len(DefaultJointNames)),
		Velocity: 600,
	}, logging.NewTestLogger(t))
	job.OnFinished(func(bool, string) { finished.Add(1) })

	require.NoError(t, job.Start())
	_, joined := job.Wait(5 * time.Second)
	require.True(t, joined)

	// Late cancels must not re-fire the terminal callback.
	job.Cancel()
	job.Cancel()
	assert.Equal(t, int32(1), finished.Load())
}

func TestMotionJobCancel(t *testing.T) {
	h, sim := simHandle(t, "/dev/ttyUSB0")
	sim.instantMove = false // the move never converges on its own

	p := fastVerifyParams()
	p.MinPollWindow = 10 * time.Second
	h.Controller().SetVerifyParams(p)

	job := NewMotionJob(h, MotionRequest{
		Target:   Pose{1000, 1000, 1000, 1000, 1000, 1000},
		Velocity: 600,
	}, logging.NewTestLogger(t))
	require.NoError(t, job.Start())

	assert.Eventually(t, func() bool {
		return job.Status() == JobRunning
	}, time.Second, time.Millisecond)

	job.Cancel()

	result, joined := job.Wait(5 * time.Second)
	require.True(t, joined)
	assert.False(t, result.Success)
	assert.Equal(t, JobCancelled, job.Status())
}

func TestMotionJobTimeout(t *testing.T) {
	h, sim := simHandle(t, "/dev/ttyUSB0")
	sim.instantMove = false

	p := fastVerifyParams()
	p.MinPollWindow = 10 * time.Second
	h.Controller().SetVerifyParams(p)

	job := NewMotionJob(h, MotionRequest{
		Target:   Pose{1000, 1000, 1000, 1000, 1000, 1000},
		Velocity: 600,
		Timeout:  30 * time.Millisecond,
	}, logging.NewTestLogger(t))
	require.NoError(t, job.Start())

	result, joined := job.Wait(5 * time.Second)
	require.True(t, joined)
	assert.False(t, result.Success)
	assert.Equal(t, JobFailed, job.Status())
	assert.Contains(t, result.Message, "timed out")
}

func TestMotionJobConnectFailure(t *testing.T) {
	r, _ := simRegistry(t)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	r.newController = func(cfg *ArmConfig, logger logging.Logger) *MotionController {
		c := NewMotionController(cfg, logger)
		c.dial = func(ctx context.Context) (Transport, error) {
			return nil, errors.New("no such device")
		}
		return c
	}

	h, err := r.GetHandle("/dev/ttyUSB9", &ArmConfig{Port: "/dev/ttyUSB9"})
	require.NoError(t, err)

	job := NewMotionJob(h, MotionRequest{
		Target:   make(Pose, len(DefaultJointNames)),
		Velocity: 600,
	}, logging.NewTestLogger(t))
	require.NoError(t, job.Start())

	result, joined := job.Wait(5 * time.Second)
	require.True(t, joined)
	assert.False(t, result.Success)
	assert.Equal(t, JobFailed, job.Status())
	assert.Contains(t, result.Message, "no such device")
}

func TestMotionJobProgress(t *testing.T) {
	h, _ := simHandle(t, "/dev/ttyUSB0")

	progress := make(chan string, 32)
	job := NewMotionJob(h, MotionRequest{
		Target:   Pose{100, 200, 300, 400, 500, 600},
		Velocity: 600,
	}, logging.NewTestLogger(t))
	job.OnProgress(func(msg string) {
		select {
		case progress <- msg:
		default:
		}
	})

	require.NoError(t, job.Start())
	_, joined := job.Wait(5 * time.Second)
	require.True(t, joined)

	select {
	case msg := <-progress:
		assert.NotEmpty(t, msg)
	default:
		t.Fatal("no progress reported")
	}
}
