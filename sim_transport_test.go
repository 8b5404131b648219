package armlink

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// simWrite records one register write for order assertions.
type simWrite struct {
	joint string
	reg   Register
	value int
}

// simTransport is an in-memory Transport with a scriptable fault model.
// Servos answer from a per-joint register file; goal position writes
// optionally teleport the present position so arrival verification has
// something real to converge on.
type simTransport struct {
	mu     sync.Mutex
	joints map[string]map[Register]int

	writes []simWrite
	reads  int

	// failEvery makes every Nth read fail with a transient failKind.
	failEvery int
	failKind  ErrorKind

	// failReads maps a joint to how many more of its reads should fail;
	// -1 means forever.
	failReads map[string]int
	// failWrites behaves the same for writes.
	failWrites map[string]int

	// jitter makes present position reads alternate between the stored
	// value plus and minus this amplitude, modeling a servo that hunts
	// around its goal without settling.
	jitter      int
	jitterFlips map[string]int

	// onWrite, when set, runs after each successful write with the sim
	// lock held.
	onWrite func(joint string, reg Register, value int)

	instantMove bool
	closed      bool
}

func newSimTransport(joints ...string) *simTransport {
	s := &simTransport{
		joints:      make(map[string]map[Register]int, len(joints)),
		failKind:    ErrVoltage,
		failReads:   make(map[string]int),
		failWrites:  make(map[string]int),
		jitterFlips: make(map[string]int),
		instantMove: true,
	}
	for _, j := range joints {
		s.joints[j] = make(map[Register]int)
	}
	return s
}

func (s *simTransport) setRegister(joint string, reg Register, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joints[joint][reg] = value
}

func (s *simTransport) setFailReads(joint string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads[joint] = n
}

func (s *simTransport) setFailWrites(joint string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites[joint] = n
}

func (s *simTransport) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *simTransport) recordedWrites() []simWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]simWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *simTransport) writesFor(joint string) []simWrite {
	var out []simWrite
	for _, w := range s.recordedWrites() {
		if w.joint == joint {
			out = append(out, w)
		}
	}
	return out
}

func (s *simTransport) transientErr(joint string, reg Register) error {
	return &TransportError{
		Joint:    joint,
		Register: reg,
		Kind:     s.failKind,
		Err:      errors.New("injected fault"),
	}
}

func (s *simTransport) ReadRegister(ctx context.Context, joint string, reg Register) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, &TransportError{Joint: joint, Register: reg, Kind: ErrClosed, Err: errors.New("transport closed")}
	}
	regs, ok := s.joints[joint]
	if !ok {
		return 0, &TransportError{Joint: joint, Register: reg, Kind: ErrUnknownJoint, Err: errors.Errorf("unknown joint %q", joint)}
	}

	s.reads++
	if n := s.failReads[joint]; n != 0 {
		if n > 0 {
			s.failReads[joint] = n - 1
		}
		return 0, s.transientErr(joint, reg)
	}
	if s.failEvery > 0 && s.reads%s.failEvery == 0 {
		return 0, s.transientErr(joint, reg)
	}
	if reg == RegPresentPosition && s.jitter != 0 {
		s.jitterFlips[joint]++
		if s.jitterFlips[joint]%2 == 0 {
			return regs[reg] + s.jitter, nil
		}
		return regs[reg] - s.jitter, nil
	}
	return regs[reg], nil
}

func (s *simTransport) WriteRegister(ctx context.Context, joint string, reg Register, value int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &TransportError{Joint: joint, Register: reg, Kind: ErrClosed, Err: errors.New("transport closed")}
	}
	regs, ok := s.joints[joint]
	if !ok {
		return &TransportError{Joint: joint, Register: reg, Kind: ErrUnknownJoint, Err: errors.Errorf("unknown joint %q", joint)}
	}

	s.writes = append(s.writes, simWrite{joint: joint, reg: reg, value: value})
	if n := s.failWrites[joint]; n != 0 {
		if n > 0 {
			s.failWrites[joint] = n - 1
		}
		return s.transientErr(joint, reg)
	}

	regs[reg] = value
	if reg == RegGoalPosition && s.instantMove {
		regs[RegPresentPosition] = value
	}
	if s.onWrite != nil {
		s.onWrite(joint, reg, value)
	}
	return nil
}

func (s *simTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
