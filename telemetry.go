package armlink

import (
	"context"
	"time"
)

// JointReading is one joint's full register snapshot.
type JointReading struct {
	Position    int
	Goal        int
	Velocity    int
	Load        int
	Temperature int
	Current     int
	Voltage     int
	Moving      bool
}

// TelemetrySnapshot is one sampling cycle's view of the whole arm. A nil
// entry means that joint could not be read this cycle. Snapshots are
// superseded, never merged.
type TelemetrySnapshot struct {
	Taken    time.Time
	Joints   []string
	Readings []*JointReading
}

// Reading returns the entry for a joint by name, or nil.
func (s *TelemetrySnapshot) Reading(joint string) *JointReading {
	for i, name := range s.Joints {
		if name == joint {
			return s.Readings[i]
		}
	}
	return nil
}

var telemetryRegisters = []Register{
	RegPresentPosition,
	RegGoalPosition,
	RegPresentVelocity,
	RegPresentLoad,
	RegPresentTemperature,
	RegPresentCurrent,
	RegPresentVoltage,
	RegMoving,
}

// ReadTelemetry samples every telemetry register of every joint. Any
// register failing for a joint voids that joint's reading for the cycle;
// the snapshot itself is always produced.
func (c *MotionController) ReadTelemetry(ctx context.Context) *TelemetrySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &TelemetrySnapshot{
		Taken:    c.clk.Now(),
		Joints:   append([]string{}, c.cfg.Joints...),
		Readings: make([]*JointReading, len(c.cfg.Joints)),
	}
	if c.transport == nil {
		return snap
	}

	for i, joint := range c.cfg.Joints {
		values := make(map[Register]int, len(telemetryRegisters))
		failed := false
		for _, reg := range telemetryRegisters {
			v, err := c.transport.ReadRegister(ctx, joint, reg)
			if err != nil {
				failed = true
				break
			}
			values[reg] = v
		}
		if failed {
			continue
		}
		c.lastKnown[joint] = values[RegPresentPosition]
		snap.Readings[i] = &JointReading{
			Position:    values[RegPresentPosition],
			Goal:        values[RegGoalPosition],
			Velocity:    values[RegPresentVelocity],
			Load:        values[RegPresentLoad],
			Temperature: values[RegPresentTemperature],
			Current:     values[RegPresentCurrent],
			Voltage:     values[RegPresentVoltage],
			Moving:      values[RegMoving] != 0,
		}
	}
	return snap
}
