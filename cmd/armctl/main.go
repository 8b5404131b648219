// Package main is the armctl command: discover, monitor, home, and
// stop serial-bus servo arms from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"

	"github.com/viam-devrel/armlink"
)

const (
	flagConfig   = "config"
	flagDebug    = "debug"
	flagPort     = "port"
	flagArm      = "arm"
	flagVelocity = "velocity"
	flagParallel = "parallel"
	flagDuration = "duration"
)

func main() {
	app := &cli.App{
		Name:  "armctl",
		Usage: "command and supervise serial-bus servo arms",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load fleet configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "discover",
				Usage:  "scan serial ports for servo buses",
				Action: discoverAction,
			},
			{
				Name:  "read",
				Usage: "read joint positions from one arm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPort, Usage: "serial port path", Required: true},
				},
				Action: readAction,
			},
			{
				Name:  "monitor",
				Usage: "stream telemetry from one arm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPort, Usage: "serial port path", Required: true},
					&cli.DurationFlag{Name: flagDuration, Usage: "how long to monitor", Value: 10 * time.Second},
				},
				Action: monitorAction,
			},
			{
				Name:  "home",
				Usage: "move configured arms to their home poses",
				Flags: []cli.Flag{
					&cli.IntSliceFlag{Name: flagArm, Usage: "arm index in the fleet config (repeatable, default all)"},
					&cli.IntFlag{Name: flagVelocity, Usage: "override homing velocity"},
					&cli.BoolFlag{Name: flagParallel, Usage: "home all arms at once"},
				},
				Action: homeAction,
			},
			{
				Name:  "tune",
				Usage: "apply the recommended servo register tuning to one arm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPort, Usage: "serial port path", Required: true},
				},
				Action: tuneAction,
			},
			{
				Name:   "estop",
				Usage:  "disable torque on every configured arm",
				Action: estopAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("armctl")
	}
	return logging.NewLogger("armctl")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// fleetConfig loads the fleet file named by --config.
func fleetConfig(c *cli.Context) (*armlink.FleetConfig, error) {
	path := c.String(flagConfig)
	if path == "" {
		return nil, errors.New("a fleet config is required, pass --config")
	}
	return armlink.LoadFleetConfig(path)
}

// armConfigFor resolves a port to its fleet entry, or builds a default
// config when no fleet file is given.
func armConfigFor(c *cli.Context, port string) (*armlink.ArmConfig, error) {
	if path := c.String(flagConfig); path != "" {
		fleet, err := armlink.LoadFleetConfig(path)
		if err != nil {
			return nil, err
		}
		for i := range fleet.Arms {
			if fleet.Arms[i].Port == port {
				return &fleet.Arms[i], nil
			}
		}
		return nil, errors.Errorf("port %s not present in %s", port, path)
	}

	cfg := &armlink.ArmConfig{Port: port}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func discoverAction(c *cli.Context) error {
	logger := newLogger(c)
	ctx, cancel := signalContext()
	defer cancel()

	arms, err := armlink.DiscoverArms(ctx, logger)
	if err != nil {
		return err
	}
	if len(arms) == 0 {
		fmt.Println("no arms found")
		return nil
	}
	for _, a := range arms {
		fmt.Printf("%s: servos %v\n", a.Port, a.ServoIDs)
	}
	return nil
}

func readAction(c *cli.Context) error {
	logger := newLogger(c)
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := armConfigFor(c, c.String(flagPort))
	if err != nil {
		return err
	}

	ctrl := armlink.NewMotionController(cfg, logger)
	if err := ctrl.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Disconnect(); err != nil {
			logger.Warnf("disconnect: %v", err)
		}
	}()

	positions := ctrl.ReadPositions(ctx)
	for i, pos := range positions {
		name, _ := cfg.JointName(i + 1)
		if pos == nil {
			fmt.Printf("%-14s unknown\n", name)
			continue
		}
		fmt.Printf("%-14s %4d\n", name, *pos)
	}
	return nil
}

func monitorAction(c *cli.Context) error {
	logger := newLogger(c)
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := armConfigFor(c, c.String(flagPort))
	if err != nil {
		return err
	}

	registry := armlink.NewPortRegistry(logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warnf("registry close: %v", err)
		}
	}()

	handle, err := registry.GetHandle(cfg.Port, cfg)
	if err != nil {
		return err
	}
	if err := handle.Connect(ctx); err != nil {
		return err
	}

	token := handle.Subscribe(func(snap *armlink.TelemetrySnapshot) {
		for i, joint := range snap.Joints {
			r := snap.Readings[i]
			if r == nil {
				fmt.Printf("%s: no reading\n", joint)
				continue
			}
			fmt.Printf("%-14s pos=%4d goal=%4d vel=%4d load=%4d temp=%2dC moving=%t\n",
				joint, r.Position, r.Goal, r.Velocity, r.Load, r.Temperature, r.Moving)
		}
		fmt.Println()
	})
	defer handle.Unsubscribe(token)

	select {
	case <-ctx.Done():
	case <-time.After(c.Duration(flagDuration)):
	}
	return nil
}

func homeAction(c *cli.Context) error {
	logger := newLogger(c)

	fleet, err := fleetConfig(c)
	if err != nil {
		return err
	}

	indexes := c.IntSlice(flagArm)
	if len(indexes) == 0 {
		for i := range fleet.Arms {
			indexes = append(indexes, i)
		}
	}

	mode := armlink.Sequential
	if c.Bool(flagParallel) {
		mode = armlink.Parallel
	}

	registry := armlink.NewPortRegistry(logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warnf("registry close: %v", err)
		}
	}()

	done := make(chan bool, 1)
	orch := armlink.NewMotionOrchestrator(registry, logger)
	orch.OnProgress = func(armIndex int, msg string) {
		fmt.Printf("arm %d: %s\n", armIndex, msg)
	}
	orch.OnArmFinished = func(armIndex int, success bool, msg string) {
		fmt.Printf("arm %d finished: success=%t %s\n", armIndex, success, msg)
	}
	orch.OnFinished = func(allSucceeded bool) { done <- allSucceeded }

	if !orch.StartHoming(fleet.Arms, indexes, c.Int(flagVelocity), mode) {
		return errors.New("no homing jobs could be queued")
	}

	ctx, cancel := signalContext()
	defer cancel()
	select {
	case ok := <-done:
		if !ok {
			return errors.New("one or more arms failed to home")
		}
		fmt.Println("all arms homed")
		return nil
	case <-ctx.Done():
		orch.Cancel()
		<-done
		return errors.New("homing cancelled")
	}
}

func tuneAction(c *cli.Context) error {
	logger := newLogger(c)
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := armConfigFor(c, c.String(flagPort))
	if err != nil {
		return err
	}

	ctrl := armlink.NewMotionController(cfg, logger)
	if err := ctrl.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Disconnect(); err != nil {
			logger.Warnf("disconnect: %v", err)
		}
	}()

	if err := ctrl.ConfigureServos(ctx); err != nil {
		return err
	}
	fmt.Println("servo tuning applied")
	return nil
}

func estopAction(c *cli.Context) error {
	logger := newLogger(c)
	ctx, cancel := signalContext()
	defer cancel()

	fleet, err := fleetConfig(c)
	if err != nil {
		return err
	}

	registry := armlink.NewPortRegistry(logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warnf("registry close: %v", err)
		}
	}()

	for i := range fleet.Arms {
		if _, err := registry.GetHandle(fleet.Arms[i].Port, &fleet.Arms[i]); err != nil {
			logger.Warnf("arm %d: %v", i, err)
		}
	}
	return registry.EmergencyStopAll(ctx)
}
