package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/cjeanneret/RotGo/internal/config"
	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/hw/gpio"
	"github.com/cjeanneret/RotGo/internal/hw/limit"
	"github.com/cjeanneret/RotGo/internal/hw/stepper"
	"github.com/cjeanneret/RotGo/internal/logic/homing"
	"github.com/cjeanneret/RotGo/internal/logic/kinematics"
	"github.com/cjeanneret/RotGo/internal/logic/motion"
	"github.com/cjeanneret/RotGo/internal/logic/rotator"
	"github.com/cjeanneret/RotGo/internal/rotctl"
	"github.com/cjeanneret/RotGo/internal/sensor"
	"github.com/cjeanneret/RotGo/internal/web"
	"go.uber.org/multierr"
)

// cliOverrides holds command line values that replace config entries.
// Zero values (and -1 for the debug level) mean "use config".
type cliOverrides struct {
	WebPort    int
	RotctlPort int
	DebugLevel int
	Mock       bool
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	rotctlPort := flag.Int("rotctl", 0, "override rotctl TCP port (1-65535)")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	mock := flag.Bool("mock", false, "force mock GPIO")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := cliOverrides{
		WebPort:    webPort.port(),
		RotctlPort: *rotctlPort,
		DebugLevel: *debugLevel,
		Mock:       *mock,
	}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	var broadcaster *web.StatusBroadcaster
	logs := web.NewLogRing(web.DefaultLogEntries)
	if cfg.Defaults.WebPort > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster), logs))
	}

	if err := run(ctx, cfg, broadcaster, logs); err != nil {
		log.Fatalf("rotgo: %v", err)
	}
}

// run wires the hardware, the control loop and the network surfaces, and
// blocks until ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config, broadcaster *web.StatusBroadcaster, logs *web.LogRing) (err error) {
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(gpio.Options{
		Mock:    cfg.Defaults.MockGPIO,
		Backend: cfg.Defaults.GPIOBackend,
		Chip:    cfg.Defaults.GPIOChip,
	})
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		err = multierr.Append(err, gpioDriver.Close())
	}()

	debug.Step(2, "Initializing stepper motors")
	ctrl := newController(gpioDriver, cfg)
	defer ctrl.StopAll()

	debug.Step(3, "Initializing limit switches")
	opts := rotator.OptionsFromConfig(cfg)
	opts.Controller = ctrl
	if opts.AzLimit, err = newLimit(gpioDriver, cfg.Limits.AzPin, cfg.LimitsActiveLow()); err != nil {
		return fmt.Errorf("azimuth limit: %w", err)
	}
	if opts.ElLimit, err = newLimit(gpioDriver, cfg.Limits.ElPin, cfg.LimitsActiveLow()); err != nil {
		return fmt.Errorf("elevation limit: %w", err)
	}
	debug.PrintStruct("Limits config", cfg.Limits)

	rot := rotator.New(opts)

	debug.Step(4, "Opening sensor transport")
	src, err := sensor.Open(cfg.Sensor)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	if src != nil {
		defer func() {
			err = multierr.Append(err, src.Close())
		}()
	}
	debug.Value("Sensor transport", cfg.Sensor.Transport)

	debug.Step(5, "Starting services")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		runErr error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				mu.Lock()
				runErr = multierr.Append(runErr, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	start("control loop", rot.Run)
	if src != nil {
		start("sensor", func(ctx context.Context) error {
			return src.Run(ctx, rot.Frames())
		})
	}

	rotctlSrv := rotctl.NewServer(fmt.Sprintf(":%d", cfg.Defaults.RotctlPort), rot)
	debug.Value("rotctl port", cfg.Defaults.RotctlPort)
	start("rotctl", rotctlSrv.Run)

	if cfg.Defaults.WebPort > 0 {
		webSrv := web.NewServer(fmt.Sprintf(":%d", cfg.Defaults.WebPort), broadcaster, logs, rot, rotctlSrv.Connected)
		debug.Value("Web port", cfg.Defaults.WebPort)
		start("web", webSrv.Run)
	}

	debug.Info("RotGo ready")
	<-ctx.Done()
	wg.Wait()
	debug.Section("Shutdown")
	return runErr
}

// newController builds the two logical axes. A second elevation motor is
// only driven when the mechanics declare a ganged drive.
func newController(g gpio.Driver, cfg *config.Config) *motion.Controller {
	az := motion.NewAxis("azimuth", newStepper(g, "az", cfg.AzimuthStepper), nil)
	debug.PrintStruct("Azimuth stepper config", cfg.AzimuthStepper)

	var el *motion.Axis
	if cfg.ElevationStepper.Configured() {
		var second motion.Actuator
		if cfg.Mechanics.ElGangedDrive && cfg.Elevation2Stepper.Configured() {
			second = newStepper(g, "el2", cfg.Elevation2Stepper)
			debug.PrintStruct("Elevation 2 stepper config", cfg.Elevation2Stepper)
		}
		el = motion.NewAxis("elevation", newStepper(g, "el", cfg.ElevationStepper), second)
		debug.PrintStruct("Elevation stepper config", cfg.ElevationStepper)
	} else {
		debug.Warn("Elevation stepper not configured")
	}

	m := kinematics.FromConfig(cfg)
	debug.Value("Steps per degree", m.StepsPerDegree())
	return motion.NewController(az, el, m)
}

func newStepper(g gpio.Driver, name string, sc config.StepperConfig) *stepper.Stepper {
	return stepper.NewStepper(g, stepper.Config{
		Name:      name,
		StepPin:   sc.StepPin,
		DirPin:    sc.DirPin,
		EnablePin: sc.EnablePin,
		SpeedHz:   sc.SpeedHz,
	})
}

// newLimit returns nil for an unwired switch so homing treats it as absent.
func newLimit(g gpio.Driver, pin int, activeLow bool) (homing.LimitInput, error) {
	if pin <= 0 {
		return nil, nil
	}
	sw, err := limit.NewSwitch(g, pin, activeLow)
	if err != nil {
		return nil, err
	}
	debug.Verbose("Limit switch on GPIO %d (active low %v)", sw.Pin(), activeLow)
	return sw, nil
}

// validateCLIOverrides checks that set CLI overrides are within valid ranges.
func validateCLIOverrides(o cliOverrides) error {
	if o.WebPort < 0 || o.WebPort > 65535 {
		return fmt.Errorf("web port must be 1-65535, got %d", o.WebPort)
	}
	if o.RotctlPort < 0 || o.RotctlPort > 65535 {
		return fmt.Errorf("rotctl port must be 1-65535, got %d", o.RotctlPort)
	}
	if o.DebugLevel < -1 || o.DebugLevel > 4 {
		return fmt.Errorf("debug level must be between 0 and 4, got %d", o.DebugLevel)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set values are applied.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.WebPort > 0 {
		cfg.Defaults.WebPort = o.WebPort
	}
	if o.RotctlPort > 0 {
		cfg.Defaults.RotctlPort = o.RotctlPort
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
	if o.Mock {
		cfg.Defaults.MockGPIO = true
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
