// Package armlink commands and supervises Feetech-style serial bus servo
// arms. It issues position commands, confirms physical arrival within a
// tolerance, rides out transient link errors (brownouts, corrupted status
// packets, momentary port contention) without corrupting state, and
// arbitrates exclusive access to each physical serial port among multiple
// concurrent callers.
//
// The layering, bottom up: a Transport reads and writes named servo
// registers over one port; a ResilientTransport wraps any Transport with
// retry, per-joint health tracking and circuit breaking; a MotionController
// issues ordered motion commands through a Transport and verifies arrival;
// a PortRegistry guarantees a single live controller per port and fans out
// telemetry snapshots to subscribers; MotionJob and MotionOrchestrator run
// one or many moves as cancellable background workers.
package armlink
