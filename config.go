package armlink

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Default joint layout for a six-servo arm. Servo IDs are assigned in
// order, starting at 1.
// defaultBaudrate is the factory baudrate for STS-series servos.
const defaultBaudrate = 1000000

var DefaultJointNames = []string{
	"shoulder_pan",
	"shoulder_lift",
	"elbow_flex",
	"wrist_flex",
	"wrist_roll",
	"gripper",
}

// ArmConfig describes one arm on one physical serial port.
type ArmConfig struct {
	Name     string        `json:"name,omitempty"`
	Port     string        `json:"port"`               // Required: serial port path (e.g. "/dev/ttyUSB0")
	Baudrate int           `json:"baudrate,omitempty"` // Default: 1000000
	Timeout  time.Duration `json:"timeout,omitempty"`  // Bus communication timeout (default: 5s)

	// Joint names in joint order. Insertion order defines the joint order
	// used by every Pose; servo IDs are 1..len(Joints).
	Joints []string `json:"joints,omitempty"`

	// Homing parameters, raw encoder units (0-4095).
	HomePositions     []int `json:"home_positions,omitempty"`
	HomeVelocity      int   `json:"home_velocity,omitempty"`      // 1-4000
	PositionTolerance int   `json:"position_tolerance,omitempty"` // max |current-target| counted as arrived
}

// Validate fills defaults and checks ranges.
func (cfg *ArmConfig) Validate() error {
	if cfg.Port == "" {
		return fmt.Errorf("serial port must be specified")
	}

	// Set defaults
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudrate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if len(cfg.Joints) == 0 {
		cfg.Joints = append([]string{}, DefaultJointNames...)
	}
	if len(cfg.HomePositions) == 0 {
		cfg.HomePositions = make([]int, len(cfg.Joints))
		for i := range cfg.HomePositions {
			cfg.HomePositions[i] = 2048 // encoder center
		}
	}
	if cfg.HomeVelocity == 0 {
		cfg.HomeVelocity = 600
	}
	if cfg.PositionTolerance == 0 {
		cfg.PositionTolerance = 20
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Port
	}

	// Validate ranges
	if len(cfg.HomePositions) != len(cfg.Joints) {
		return fmt.Errorf("expected %d home positions, got %d", len(cfg.Joints), len(cfg.HomePositions))
	}
	for i, pos := range cfg.HomePositions {
		if pos < 0 || pos > 4095 {
			return fmt.Errorf("home position for joint %d must be between 0 and 4095, got %d", i+1, pos)
		}
	}
	if cfg.HomeVelocity < minVelocity || cfg.HomeVelocity > maxVelocity {
		return fmt.Errorf("home_velocity must be between %d and %d, got %d", minVelocity, maxVelocity, cfg.HomeVelocity)
	}
	if cfg.PositionTolerance < 0 {
		return fmt.Errorf("position_tolerance must not be negative, got %d", cfg.PositionTolerance)
	}

	seen := make(map[string]struct{}, len(cfg.Joints))
	for _, name := range cfg.Joints {
		if name == "" {
			return fmt.Errorf("joint names must not be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate joint name %q", name)
		}
		seen[name] = struct{}{}
	}

	return nil
}

// JointID returns the 1-based servo ID for a joint name.
func (cfg *ArmConfig) JointID(name string) (int, bool) {
	for i, j := range cfg.Joints {
		if j == name {
			return i + 1, true
		}
	}
	return 0, false
}

// JointName returns the joint name for a 1-based servo ID.
func (cfg *ArmConfig) JointName(id int) (string, bool) {
	if id < 1 || id > len(cfg.Joints) {
		return "", false
	}
	return cfg.Joints[id-1], true
}

// HomePose returns the configured home positions as a Pose.
func (cfg *ArmConfig) HomePose() Pose {
	return append(Pose{}, cfg.HomePositions...)
}

// configsEqual reports whether two configs can share one controller.
func configsEqual(a, b *ArmConfig) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port &&
		a.Baudrate == b.Baudrate &&
		a.Timeout == b.Timeout &&
		len(a.Joints) == len(b.Joints)
}

// FleetConfig is the on-disk configuration file: one entry per arm.
type FleetConfig struct {
	Arms []ArmConfig `json:"arms"`
}

// LoadFleetConfig reads and validates a fleet configuration file.
func LoadFleetConfig(path string) (*FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FleetConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse fleet config %s: %w", path, err)
	}
	if len(cfg.Arms) == 0 {
		return nil, fmt.Errorf("fleet config %s defines no arms", path)
	}
	for i := range cfg.Arms {
		if err := cfg.Arms[i].Validate(); err != nil {
			return nil, fmt.Errorf("arm %d: %w", i, err)
		}
	}
	return &cfg, nil
}

// Save writes the fleet configuration to a file.
func (c *FleetConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
