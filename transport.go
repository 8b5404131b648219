package armlink

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Register names a servo control-table entry, using the bus driver's
// register naming.
type Register string

const (
	RegPresentPosition    Register = "present_position"
	RegGoalPosition       Register = "goal_position"
	RegGoalVelocity       Register = "goal_velocity"
	RegAcceleration       Register = "acceleration"
	RegTorqueEnable       Register = "torque_enable"
	RegPresentVelocity    Register = "present_velocity"
	RegPresentLoad        Register = "present_load"
	RegPresentTemperature Register = "present_temperature"
	RegPresentCurrent     Register = "present_current"
	RegPresentVoltage     Register = "present_voltage"
	RegMoving             Register = "moving"

	// Tuning registers written once during servo setup.
	RegResponseDelay Register = "response_delay"
	RegPGain         Register = "p_gain"
	RegIGain         Register = "i_gain"
	RegDGain         Register = "d_gain"
	RegMaxTorque     Register = "max_torque"
)

// registerWidths maps each register to its byte width on the wire.
// Multi-byte registers are little-endian.
var registerWidths = map[Register]int{
	RegPresentPosition:    2,
	RegGoalPosition:       2,
	RegGoalVelocity:       2,
	RegAcceleration:       1,
	RegTorqueEnable:       1,
	RegPresentVelocity:    2,
	RegPresentLoad:        2,
	RegPresentTemperature: 1,
	RegPresentCurrent:     2,
	RegPresentVoltage:     1,
	RegMoving:             1,
	RegResponseDelay:      1,
	RegPGain:              1,
	RegIGain:              1,
	RegDGain:              1,
	RegMaxTorque:          2,
}

// ErrorKind classifies a transport failure. The retry policy is a pure
// function of the kind: transient link glitches are retryable, everything
// else is fatal for the current call.
type ErrorKind int

const (
	ErrNone ErrorKind = iota

	// Retryable: transient link conditions.
	ErrVoltage       // brownout / under-voltage glitch reported by the servo
	ErrCorruptPacket // bad checksum, bad header, truncated status packet
	ErrPortBusy      // momentary port contention

	// Fatal: wrong usage or a dead link.
	ErrUnknownRegister
	ErrUnknownJoint
	ErrProtocol
	ErrCircuitOpen // joint temporarily excluded after repeated failures
	ErrClosed
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrVoltage, ErrCorruptPacket, ErrPortBusy:
		return true
	default:
		return false
	}
}

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrVoltage:
		return "voltage"
	case ErrCorruptPacket:
		return "corrupt_packet"
	case ErrPortBusy:
		return "port_busy"
	case ErrUnknownRegister:
		return "unknown_register"
	case ErrUnknownJoint:
		return "unknown_joint"
	case ErrProtocol:
		return "protocol"
	case ErrCircuitOpen:
		return "circuit_open"
	case ErrClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransportError is the structured error produced at the transport
// boundary. Everything above this layer switches on Kind, never on
// message text.
type TransportError struct {
	Joint    string
	Register Register
	Kind     ErrorKind
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s/%s: %v", e.Kind, e.Joint, e.Register, e.Err)
	}
	return fmt.Sprintf("%s %s/%s", e.Kind, e.Joint, e.Register)
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an error chain. Errors that did not
// originate at the transport boundary classify as ErrProtocol (fatal).
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrProtocol
}

// Transport is the raw register read/write primitive over one serial
// port. Implementations must be safe for use from a single goroutine at a
// time; serialization across callers is the owner's responsibility.
type Transport interface {
	ReadRegister(ctx context.Context, joint string, reg Register) (int, error)
	WriteRegister(ctx context.Context, joint string, reg Register, value int) error
	Close() error
}

// classifyBusError maps a raw bus driver error onto the structured
// taxonomy. Message sniffing is confined to this single seam; nothing
// above the Transport interface ever inspects error text.
func classifyBusError(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "voltage") || strings.Contains(msg, "brownout"):
		return ErrVoltage
	case strings.Contains(msg, "checksum") || strings.Contains(msg, "corrupt") ||
		strings.Contains(msg, "invalid response") || strings.Contains(msg, "header"):
		return ErrCorruptPacket
	case strings.Contains(msg, "busy") || strings.Contains(msg, "temporarily unavailable") ||
		strings.Contains(msg, "port in use"):
		return ErrPortBusy
	default:
		return ErrProtocol
	}
}
