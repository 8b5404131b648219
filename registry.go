package armlink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// defaultSampleInterval is the telemetry cadence, ~5 Hz.
const defaultSampleInterval = 200 * time.Millisecond

// SubscriberFunc receives each telemetry snapshot. Callbacks run on the
// sampler goroutine; a panicking subscriber is isolated and logged.
type SubscriberFunc func(*TelemetrySnapshot)

// Handle is the single live access point for one physical port. All
// callers for the same port share the same handle; the wrapped
// controller's mutex keeps command issuance and telemetry sampling from
// interleaving mid-transaction on the bus.
type Handle struct {
	port        string
	controller  *MotionController
	logger      logging.Logger
	clk         clock.Clock
	sampleEvery time.Duration

	mu          sync.Mutex
	sampling    bool
	stopSampler context.CancelFunc
	samplerDone chan struct{}

	subMu   sync.Mutex
	subs    map[int]SubscriberFunc
	nextSub int

	last atomic.Pointer[TelemetrySnapshot]
}

// Port returns the physical port this handle owns.
func (h *Handle) Port() string { return h.port }

// Controller returns the port's one MotionController.
func (h *Handle) Controller() *MotionController { return h.controller }

// Connect opens the port and, on first success, starts the background
// telemetry sampler.
func (h *Handle) Connect(ctx context.Context) error {
	if err := h.controller.Connect(ctx); err != nil {
		return err
	}
	h.startSampler()
	return nil
}

// Disconnect stops the sampler and releases the transport.
func (h *Handle) Disconnect() error {
	h.stopSampling()
	return h.controller.Disconnect()
}

// Subscribe registers a telemetry consumer and returns its token.
func (h *Handle) Subscribe(fn SubscriberFunc) int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSub++
	h.subs[h.nextSub] = fn
	return h.nextSub
}

// Unsubscribe removes a telemetry consumer by token.
func (h *Handle) Unsubscribe(token int) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	delete(h.subs, token)
}

// LastTelemetry returns the most recent snapshot, or nil before the
// first sampling cycle.
func (h *Handle) LastTelemetry() *TelemetrySnapshot {
	return h.last.Load()
}

func (h *Handle) startSampler() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sampling {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.sampling = true
	h.stopSampler = cancel
	h.samplerDone = done

	utils.PanicCapturingGo(func() {
		defer close(done)
		h.sampleLoop(ctx)
	})
	h.logger.Debugf("telemetry sampler started for %s at %v", h.port, h.sampleEvery)
}

func (h *Handle) stopSampling() {
	h.mu.Lock()
	if !h.sampling {
		h.mu.Unlock()
		return
	}
	h.sampling = false
	cancel := h.stopSampler
	done := h.samplerDone
	h.mu.Unlock()

	cancel()
	<-done
	h.logger.Debugf("telemetry sampler stopped for %s", h.port)
}

func (h *Handle) sampleLoop(ctx context.Context) {
	ticker := h.clk.Ticker(h.sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.controller.ReadTelemetry(ctx)
			h.last.Store(snap)
			h.fanOut(snap)
		}
	}
}

// fanOut delivers a snapshot to every subscriber, isolating failures so
// one bad consumer cannot break telemetry for the rest.
func (h *Handle) fanOut(snap *TelemetrySnapshot) {
	h.subMu.Lock()
	subs := make([]SubscriberFunc, 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Warnf("telemetry subscriber panicked: %v", r)
				}
			}()
			fn(snap)
		}()
	}
}

// PortRegistry enforces single-owner port arbitration: at most one live
// MotionController per physical serial port, shared by all callers. It
// is constructed explicitly and passed to whatever needs it; there is no
// package-level instance.
type PortRegistry struct {
	logger      logging.Logger
	clk         clock.Clock
	sampleEvery time.Duration

	// newController builds the controller for a port; swapped in tests.
	newController func(cfg *ArmConfig, logger logging.Logger) *MotionController

	mu      sync.RWMutex
	handles map[string]*Handle
	configs map[string]*ArmConfig
}

// NewPortRegistry builds an empty registry.
func NewPortRegistry(logger logging.Logger) *PortRegistry {
	return &PortRegistry{
		logger:        logger,
		clk:           clock.New(),
		sampleEvery:   defaultSampleInterval,
		newController: NewMotionController,
		handles:       make(map[string]*Handle),
		configs:       make(map[string]*ArmConfig),
	}
}

// GetHandle returns the one live handle for a port, creating it on first
// request. A second caller presenting an incompatible config for the
// same port gets an error rather than a second opener.
func (r *PortRegistry) GetHandle(port string, cfg *ArmConfig) (*Handle, error) {
	if cfg == nil {
		return nil, errors.New("arm config is required")
	}
	if cfg.Port == "" {
		cfg.Port = port
	}
	if cfg.Port != port {
		return nil, errors.Errorf("config port %q does not match requested port %q", cfg.Port, port)
	}
	// Validate before comparing so a config with defaults still unfilled
	// matches the stored, defaults-filled one.
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config for port %s", port)
	}

	r.mu.RLock()
	h, exists := r.handles[port]
	existing := r.configs[port]
	r.mu.RUnlock()
	if exists {
		if !configsEqual(existing, cfg) {
			return nil, errors.Errorf("conflict: port %s already owned with a different config", port)
		}
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, exists := r.handles[port]; exists {
		if !configsEqual(r.configs[port], cfg) {
			return nil, errors.Errorf("conflict: port %s already owned with a different config", port)
		}
		return h, nil
	}

	h = &Handle{
		port:        port,
		controller:  r.newController(cfg, r.logger),
		logger:      r.logger,
		clk:         r.clk,
		sampleEvery: r.sampleEvery,
		subs:        make(map[int]SubscriberFunc),
	}
	r.handles[port] = h
	r.configs[port] = cfg
	r.logger.Infof("created controller for port %s (%d joints)", port, len(cfg.Joints))
	return h, nil
}

// Disconnect tears down a port's handle. A later GetHandle for the same
// port creates a fresh instance.
func (r *PortRegistry) Disconnect(port string) error {
	r.mu.Lock()
	h, exists := r.handles[port]
	if exists {
		delete(r.handles, port)
		delete(r.configs, port)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}
	return h.Disconnect()
}

// Handles returns all live handles.
func (r *PortRegistry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// EmergencyStopAll fans out an emergency stop to every live handle.
// Individual failures do not stop the fan-out; they are aggregated.
func (r *PortRegistry) EmergencyStopAll(ctx context.Context) error {
	var err error
	for _, h := range r.Handles() {
		if stopErr := h.Controller().EmergencyStop(ctx); stopErr != nil {
			err = multierr.Append(err, errors.Wrapf(stopErr, "port %s", h.Port()))
		}
	}
	return err
}

// Close disconnects every live handle. Intended for process shutdown.
func (r *PortRegistry) Close() error {
	var err error
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*Handle)
	r.configs = make(map[string]*ArmConfig)
	r.mu.Unlock()

	for _, h := range handles {
		err = multierr.Append(err, h.Disconnect())
	}
	return err
}
