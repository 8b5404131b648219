package armlink

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
)

// probeTimeout bounds serial I/O while probing a candidate port.
const probeTimeout = 500 * time.Millisecond

// DiscoveredArm describes one serial port that answered like a servo bus.
type DiscoveredArm struct {
	Port     string
	ServoIDs []int
}

// DiscoverArms scans the system's serial ports for servo buses. Ports
// are filtered by platform naming patterns first, then each candidate
// is probed with a ping sweep over the default joint IDs.
func DiscoverArms(ctx context.Context, logger logging.Logger) ([]DiscoveredArm, error) {
	allPorts := enumerateSerialPorts()
	logger.Debugf("found %d serial ports", len(allPorts))

	candidates := filterCandidatePorts(allPorts)
	logger.Debugf("filtered to %d candidate ports", len(candidates))

	var found []DiscoveredArm
	for _, port := range candidates {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		ids := probeServoPort(ctx, port, logger)
		if len(ids) == 0 {
			logger.Debugf("no servos detected on %s", port)
			continue
		}
		logger.Infof("discovered %d servos on %s", len(ids), port)
		found = append(found, DiscoveredArm{Port: port, ServoIDs: ids})
	}
	return found, nil
}

// probeServoPort opens the port at the default baudrate and pings one
// servo per default joint. Returns the IDs that answered.
func probeServoPort(ctx context.Context, port string, logger logging.Logger) []int {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: defaultBaudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  probeTimeout,
	})
	if err != nil {
		logger.Debugf("failed to open port %s: %v", port, err)
		return nil
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Debugf("closing probe bus on %s: %v", port, err)
		}
	}()

	var ids []int
	for i := range DefaultJointNames {
		id := i + 1
		servo := feetech.NewServo(bus, id, &feetech.ModelSTS3215)
		if _, err := servo.Ping(ctx); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// filterCandidatePorts keeps only ports matching platform serial naming
// patterns.
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") ||
		strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	if strings.HasPrefix(port, "COM") {
		return true
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from a port path for
// naming. /dev/ttyUSB0 -> "ttyUSB0", /dev/tty.usbmodem123 -> "usbmodem123".
func extractPortSuffix(port string) string {
	base := filepath.Base(port)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}
	var names []string
	for _, p := range ports {
		names = append(names, p.Name)
	}
	return names
}
