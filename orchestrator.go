package armlink

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// OrchestratorState is the scheduling state of a MotionOrchestrator.
type OrchestratorState int32

const (
	OrchIdle OrchestratorState = iota
	OrchQueued
	OrchRunning
	OrchFinished
)

func (s OrchestratorState) String() string {
	switch s {
	case OrchIdle:
		return "idle"
	case OrchQueued:
		return "queued"
	case OrchRunning:
		return "running"
	case OrchFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ScheduleMode selects how queued jobs are dispatched.
type ScheduleMode int

const (
	Sequential ScheduleMode = iota
	Parallel
)

// orchJoinTimeout bounds how long the orchestrator waits on any single
// job during a join.
const orchJoinTimeout = 5 * time.Minute

type queuedJob struct {
	index int
	job   *MotionJob
}

// MotionOrchestrator runs a batch of MotionJobs across arms, either one
// at a time or all at once, and reports an aggregate outcome exactly
// once. A failed arm never stops the others: every queued job runs
// unless the batch is cancelled.
type MotionOrchestrator struct {
	registry *PortRegistry
	logger   logging.Logger

	// Callbacks are optional and must be set before Start.
	OnProgress    func(armIndex int, message string)
	OnArmStarted  func(armIndex int)
	OnArmFinished func(armIndex int, success bool, message string)
	OnFinished    func(allSucceeded bool)

	mu        sync.Mutex
	state     atomic.Int32
	queue     []queuedJob
	cancelled bool
	finish    sync.Once
}

func NewMotionOrchestrator(registry *PortRegistry, logger logging.Logger) *MotionOrchestrator {
	o := &MotionOrchestrator{registry: registry, logger: logger}
	o.state.Store(int32(OrchIdle))
	return o
}

func (o *MotionOrchestrator) State() OrchestratorState {
	return OrchestratorState(o.state.Load())
}

// Enqueue adds a job for the given arm index. Only valid before Start.
func (o *MotionOrchestrator) Enqueue(armIndex int, job *MotionJob) bool {
	st := o.State()
	if st != OrchIdle && st != OrchQueued {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, queuedJob{index: armIndex, job: job})
	o.state.CompareAndSwap(int32(OrchIdle), int32(OrchQueued))
	return true
}

// Start dispatches the queued batch. Returns false if there is nothing
// queued or a batch is already running.
func (o *MotionOrchestrator) Start(mode ScheduleMode) bool {
	if !o.state.CompareAndSwap(int32(OrchQueued), int32(OrchRunning)) {
		return false
	}
	utils.PanicCapturingGo(func() { o.run(mode) })
	return true
}

// Cancel cancels every queued job. In-flight motions stop cooperatively;
// jobs not yet dispatched finish immediately as cancelled.
func (o *MotionOrchestrator) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	jobs := make([]queuedJob, len(o.queue))
	copy(jobs, o.queue)
	o.mu.Unlock()

	for _, q := range jobs {
		q.job.Cancel()
	}
}

// StartHoming queues a homing move for each listed arm and starts the
// batch. armIndexes selects positions in cfgs; velocityOverride > 0
// replaces each arm's configured homing velocity.
func (o *MotionOrchestrator) StartHoming(cfgs []ArmConfig, armIndexes []int, velocityOverride int, mode ScheduleMode) bool {
	for _, idx := range armIndexes {
		if idx < 0 || idx >= len(cfgs) {
			o.logger.Warnf("skipping unknown arm index %d", idx)
			continue
		}
		cfg := cfgs[idx]
		handle, err := o.registry.GetHandle(cfg.Port, &cfg)
		if err != nil {
			o.logger.Warnf("cannot home arm %d on %s: %v", idx, cfg.Port, err)
			continue
		}

		velocity := cfg.HomeVelocity
		if velocityOverride > 0 {
			velocity = velocityOverride
		}
		job := NewMotionJob(handle, MotionRequest{
			Target:    cfg.HomePose(),
			Velocity:  velocity,
			Tolerance: cfg.PositionTolerance,
		}, o.logger)
		o.Enqueue(idx, job)
	}
	return o.Start(mode)
}

func (o *MotionOrchestrator) run(mode ScheduleMode) {
	o.mu.Lock()
	jobs := make([]queuedJob, len(o.queue))
	copy(jobs, o.queue)
	o.mu.Unlock()

	allOK := true
	switch mode {
	case Parallel:
		allOK = o.runParallel(jobs)
	default:
		allOK = o.runSequential(jobs)
	}

	o.finishAll(allOK)
}

func (o *MotionOrchestrator) runSequential(jobs []queuedJob) bool {
	allOK := true
	for _, q := range jobs {
		if o.isCancelled() {
			q.job.Cancel()
		}
		allOK = o.dispatch(q) && allOK
	}
	return allOK
}

func (o *MotionOrchestrator) runParallel(jobs []queuedJob) bool {
	var failed atomic.Bool
	var wg sync.WaitGroup
	for _, q := range jobs {
		wg.Add(1)
		q := q
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			if !o.dispatch(q) {
				failed.Store(true)
			}
		})
	}
	wg.Wait()
	return !failed.Load()
}

// dispatch runs one job to completion, pairing arm_started and
// arm_finished notifications around it.
func (o *MotionOrchestrator) dispatch(q queuedJob) bool {
	o.armStarted(q.index)

	wireProgress := o.OnProgress
	if wireProgress != nil {
		idx := q.index
		q.job.OnProgress(func(msg string) { wireProgress(idx, msg) })
	}

	if err := q.job.Start(); err != nil {
		o.logger.Warnf("arm %d: %v", q.index, err)
		o.armFinished(q.index, false, err.Error())
		return false
	}

	result, joined := q.job.Wait(orchJoinTimeout)
	if !joined {
		o.logger.Warnf("arm %d: job %s abandoned", q.index, q.job.ID())
	}
	o.armFinished(q.index, result.Success, result.Message)
	return result.Success
}

func (o *MotionOrchestrator) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *MotionOrchestrator) armStarted(index int) {
	if o.OnArmStarted != nil {
		o.OnArmStarted(index)
	}
}

func (o *MotionOrchestrator) armFinished(index int, success bool, message string) {
	o.logger.Infof("arm %d finished: success=%t %s", index, success, message)
	if o.OnArmFinished != nil {
		o.OnArmFinished(index, success, message)
	}
}

func (o *MotionOrchestrator) finishAll(allSucceeded bool) {
	o.finish.Do(func() {
		o.state.Store(int32(OrchFinished))
		o.logger.Infof("batch finished: all_succeeded=%t", allSucceeded)
		if o.OnFinished != nil {
			o.OnFinished(allSucceeded)
		}
	})
}
