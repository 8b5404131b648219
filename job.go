package armlink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// JobStatus is the lifecycle state of a MotionJob. A job passes through
// Running exactly once and lands in exactly one terminal state.
type JobStatus int32

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// MotionRequest describes one "move to target" operation. Immutable once
// a job is started.
type MotionRequest struct {
	Target    Pose
	Velocity  int // clamped to [1,4000] on issue
	Tolerance int
	Timeout   time.Duration // 0 = no deadline
}

// JobResult is a job's terminal outcome.
type JobResult struct {
	Success bool
	Message string
}

// jobAbandonGrace is how long Wait gives a cancelled worker to unwind
// before abandoning it.
const jobAbandonGrace = 2 * time.Second

// MotionJob drives one controller to a target pose on its own worker
// goroutine. Cancellation is cooperative: it is observed between
// verification poll cycles, never mid-write, so a joint is never left
// with half a command.
type MotionJob struct {
	id     string
	handle *Handle
	req    MotionRequest
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	status atomic.Int32
	finish sync.Once
	done   chan struct{}
	result JobResult

	onProgress func(string)
	onFinished func(success bool, message string)
}

// NewMotionJob builds a pending job. Callbacks must be attached before
// Start.
func NewMotionJob(handle *Handle, req MotionRequest, logger logging.Logger) *MotionJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &MotionJob{
		id:     uuid.NewString(),
		handle: handle,
		req:    req,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (j *MotionJob) ID() string        { return j.id }
func (j *MotionJob) Status() JobStatus { return JobStatus(j.status.Load()) }

// Done is closed when the job reaches a terminal state.
func (j *MotionJob) Done() <-chan struct{} { return j.done }

// Result returns the terminal outcome once the job is done.
func (j *MotionJob) Result() (JobResult, bool) {
	select {
	case <-j.done:
		return j.result, true
	default:
		return JobResult{}, false
	}
}

// OnProgress attaches a progress callback. Attach before Start.
func (j *MotionJob) OnProgress(fn func(string)) { j.onProgress = fn }

// OnFinished attaches the terminal callback; it fires exactly once.
// Attach before Start.
func (j *MotionJob) OnFinished(fn func(success bool, message string)) { j.onFinished = fn }

// Start launches the worker. A job can only be started once.
func (j *MotionJob) Start() error {
	if !j.status.CompareAndSwap(int32(JobPending), int32(JobRunning)) {
		return errors.Errorf("job %s already started", j.id)
	}
	utils.PanicCapturingGo(j.run)
	return nil
}

// Cancel requests cooperative cancellation. Safe to call at any time,
// repeatedly.
func (j *MotionJob) Cancel() { j.cancel() }

// Wait joins the worker with a bounded timeout. If the job does not
// finish in time it is cancelled and given a short grace to unwind; a
// worker that still refuses to stop is abandoned with a log rather than
// blocking the caller forever.
func (j *MotionJob) Wait(timeout time.Duration) (JobResult, bool) {
	select {
	case <-j.done:
		return j.result, true
	case <-time.After(timeout):
	}

	j.cancel()
	select {
	case <-j.done:
		return j.result, true
	case <-time.After(jobAbandonGrace):
		j.logger.Warnf("abandoning worker for job %s: did not stop after cancel", j.id)
		return JobResult{Success: false, Message: "worker did not stop in time"}, false
	}
}

func (j *MotionJob) run() {
	ctx := j.ctx
	if j.req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(j.ctx, j.req.Timeout)
		defer cancel()
	}

	j.progress(fmt.Sprintf("connecting to %s", j.handle.Port()))
	if err := j.handle.Connect(ctx); err != nil {
		j.finishWith(JobFailed, false, err.Error())
		return
	}

	j.progress("moving to target")
	stopReporter := j.startProgressReporter()
	err := j.handle.Controller().SetPositions(ctx, j.req.Target, j.req.Velocity, true, true)
	stopReporter()

	switch {
	case err == nil:
		j.finishWith(JobSucceeded, true, "motion command completed")
	case errors.Is(err, context.Canceled):
		j.finishWith(JobCancelled, false, "cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		j.finishWith(JobFailed, false, "timed out before completion")
	default:
		j.finishWith(JobFailed, false, err.Error())
	}
}

// startProgressReporter emits travel progress from the telemetry stream
// while the move is in flight, without touching the bus itself.
func (j *MotionJob) startProgressReporter() func() {
	if j.onProgress == nil {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	interval := 2 * j.handle.sampleEvery

	utils.PanicCapturingGo(func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-j.ctx.Done():
				return
			case <-ticker.C:
				snap := j.handle.LastTelemetry()
				if snap == nil || len(snap.Readings) != len(j.req.Target) {
					continue
				}
				positions := make([]*int, len(snap.Readings))
				for i, r := range snap.Readings {
					if r != nil {
						pos := r.Position
						positions[i] = &pos
					}
				}
				if maxErr, known := maxAbsError(positions, j.req.Target); known {
					j.progress(fmt.Sprintf("max position error %d", maxErr))
				}
			}
		}
	})

	return func() {
		close(stop)
		<-done
	}
}

func (j *MotionJob) progress(msg string) {
	if j.onProgress != nil {
		j.onProgress(msg)
	}
}

func (j *MotionJob) finishWith(status JobStatus, success bool, message string) {
	j.finish.Do(func() {
		j.status.Store(int32(status))
		j.result = JobResult{Success: success, Message: message}
		close(j.done)
		if j.onFinished != nil {
			j.onFinished(success, message)
		}
	})
}
