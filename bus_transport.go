package armlink

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// BusTransport implements Transport over a Feetech servo bus. One servo
// per configured joint, addressed by joint name.
type BusTransport struct {
	bus    *feetech.Bus
	servos map[string]*feetech.Servo
	logger logging.Logger
	closed atomic.Bool
}

// OpenBusTransport opens the serial port and prepares one servo handle
// per configured joint. This is the only hard failure point: a port that
// cannot be opened surfaces here.
func OpenBusTransport(cfg *ArmConfig, logger logging.Logger) (*BusTransport, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.Baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open servo bus on %s", cfg.Port)
	}

	servos := make(map[string]*feetech.Servo, len(cfg.Joints))
	for i, name := range cfg.Joints {
		servos[name] = feetech.NewServo(bus, i+1, &feetech.ModelSTS3215)
	}

	logger.Infof("Opened servo bus on %s at %d baud with %d joints", cfg.Port, cfg.Baudrate, len(servos))
	return &BusTransport{
		bus:    bus,
		servos: servos,
		logger: logger,
	}, nil
}

// Ping checks that a joint's servo answers on the bus.
func (t *BusTransport) Ping(ctx context.Context, joint string) error {
	servo, ok := t.servos[joint]
	if !ok {
		return &TransportError{Joint: joint, Kind: ErrUnknownJoint, Err: errors.Errorf("unknown joint %q", joint)}
	}
	if _, err := servo.Ping(ctx); err != nil {
		return &TransportError{Joint: joint, Kind: classifyBusError(err), Err: err}
	}
	return nil
}

func (t *BusTransport) ReadRegister(ctx context.Context, joint string, reg Register) (int, error) {
	servo, width, err := t.lookup(joint, reg)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := servo.ReadRegister(ctx, string(reg))
	if err != nil {
		return 0, &TransportError{Joint: joint, Register: reg, Kind: classifyBusError(err), Err: err}
	}
	if len(data) < width {
		return 0, &TransportError{
			Joint:    joint,
			Register: reg,
			Kind:     ErrCorruptPacket,
			Err:      errors.Errorf("expected %d bytes, got %d", width, len(data)),
		}
	}

	if width == 1 {
		return int(data[0]), nil
	}
	return int(binary.LittleEndian.Uint16(data)), nil
}

func (t *BusTransport) WriteRegister(ctx context.Context, joint string, reg Register, value int) error {
	servo, width, err := t.lookup(joint, reg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var data []byte
	if width == 1 {
		data = []byte{byte(value)}
	} else {
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(value))
	}

	if err := servo.WriteRegister(ctx, string(reg), data); err != nil {
		return &TransportError{Joint: joint, Register: reg, Kind: classifyBusError(err), Err: err}
	}
	return nil
}

func (t *BusTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.bus.Close()
}

func (t *BusTransport) lookup(joint string, reg Register) (*feetech.Servo, int, error) {
	if t.closed.Load() {
		return nil, 0, &TransportError{Joint: joint, Register: reg, Kind: ErrClosed, Err: errors.New("transport closed")}
	}
	servo, ok := t.servos[joint]
	if !ok {
		return nil, 0, &TransportError{Joint: joint, Register: reg, Kind: ErrUnknownJoint, Err: errors.Errorf("unknown joint %q", joint)}
	}
	width, ok := registerWidths[reg]
	if !ok {
		return nil, 0, &TransportError{Joint: joint, Register: reg, Kind: ErrUnknownRegister, Err: errors.Errorf("unknown register %q", reg)}
	}
	return servo, width, nil
}
