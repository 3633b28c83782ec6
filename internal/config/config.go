package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 1 << 20

// StepperConfig holds the configuration for a stepper motor.
// StepPin 0 means the motor is not fitted.
type StepperConfig struct {
	StepPin   int `yaml:"step_pin"`
	DirPin    int `yaml:"dir_pin"`
	EnablePin int `yaml:"enable_pin"` // driver ENABLE pin (BCM). 0 = not used. Active LOW.
	SpeedHz   int `yaml:"speed_hz"`   // pulse rate in steps per second
}

// Configured reports whether a motor is wired on this channel.
func (s StepperConfig) Configured() bool {
	return s.StepPin > 0
}

// LimitsConfig describes the two homing limit switches.
type LimitsConfig struct {
	AzPin      int   `yaml:"az_pin"`
	ElPin      int   `yaml:"el_pin"`
	ActiveLow  *bool `yaml:"active_low,omitempty"` // default true: switch pulls the line LOW when hit
	DebounceMs int   `yaml:"debounce_ms"`
}

// MechanicsConfig describes the drive train shared by both axes.
type MechanicsConfig struct {
	StepAngleDeg  float64 `yaml:"step_angle_deg"` // full-step angle of the motor, e.g. 1.8
	Microstepping int     `yaml:"microstepping"`
	GearRatio     float64 `yaml:"gear_ratio"`
	ElGangedDrive bool    `yaml:"el_ganged_drive"` // two motors coupled on the elevation axis
}

// RangeConfig holds the absolute travel limits in degrees.
type RangeConfig struct {
	MinAz float64 `yaml:"min_az"`
	MaxAz float64 `yaml:"max_az"`
	MinEl float64 `yaml:"min_el"`
	MaxEl float64 `yaml:"max_el"`
}

// HomingConfig holds the homing sequence parameters.
type HomingConfig struct {
	AzDir     int     `yaml:"az_dir"`    // +1 or -1
	ElDir     int     `yaml:"el_dir"`    // +1 or -1
	MaxSteps  int64   `yaml:"max_steps"` // homing excursion, must exceed the physical travel
	SettleMs  int     `yaml:"settle_ms"` // wait after the limit stop before zeroing
	SafeMinAz float64 `yaml:"safe_min_az"`
	SafeMaxAz float64 `yaml:"safe_max_az"`
	NeutralAz float64 `yaml:"neutral_az"` // pre-home position used when azimuth starts out of range
}

// CalibrationConfig holds the calibration sweep parameters.
type CalibrationConfig struct {
	BackoffDeg float64 `yaml:"backoff_deg"` // reverse azimuth move off the endstop before re-homing
}

// SensorConfig selects the magnetometer/accelerometer transport and fusion tuning.
type SensorConfig struct {
	Transport              string   `yaml:"transport"` // "udp", "serial" or "none"
	UDPPort                int      `yaml:"udp_port"`
	SerialDevice           string   `yaml:"serial_device"`
	SerialBaud             int      `yaml:"serial_baud"`
	SmoothingAlpha         *float64 `yaml:"smoothing_alpha,omitempty"`
	MagneticDeclinationDeg *float64 `yaml:"magnetic_declination_deg,omitempty"` // East=+, West=-
	FreshMs                int      `yaml:"fresh_ms"`
	UseForElevation        bool     `yaml:"use_for_elevation"` // report fused elevation instead of stepper
}

// DefaultsConfig contains generic runtime parameters.
type DefaultsConfig struct {
	LoopPeriodMs int    `yaml:"loop_period_ms"` // control loop period
	DebugLevel   int    `yaml:"debug_level"`    // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO     bool   `yaml:"mock_gpio"`      // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	GPIOBackend  string `yaml:"gpio_backend"`   // "rpio" (memory mapped) or "cdev" (character device)
	GPIOChip     string `yaml:"gpio_chip"`      // chip used by the cdev backend
	RotctlPort   int    `yaml:"rotctl_port"`
	WebPort      int    `yaml:"web_port"` // 0 = disabled
}

// Config aggregates all application configuration.
type Config struct {
	AzimuthStepper    StepperConfig     `yaml:"azimuth_stepper"`
	ElevationStepper  StepperConfig     `yaml:"elevation_stepper"`
	Elevation2Stepper StepperConfig     `yaml:"elevation2_stepper"`
	Limits            LimitsConfig      `yaml:"limits"`
	Mechanics         MechanicsConfig   `yaml:"mechanics"`
	Range             RangeConfig       `yaml:"range"`
	Homing            HomingConfig      `yaml:"homing"`
	Calibration       CalibrationConfig `yaml:"calibration"`
	Sensor            SensorConfig      `yaml:"sensor"`
	Defaults          DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file inside a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) && strings.HasPrefix(clean, "..") {
		return fmt.Errorf("config path escapes working directory: %s", path)
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must live in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for _, s := range []*StepperConfig{&c.AzimuthStepper, &c.ElevationStepper, &c.Elevation2Stepper} {
		if s.SpeedHz <= 0 {
			s.SpeedHz = 800
		}
	}

	if c.Limits.ActiveLow == nil {
		t := true
		c.Limits.ActiveLow = &t
	}
	if c.Limits.DebounceMs <= 0 {
		c.Limits.DebounceMs = 5
	}

	if c.Mechanics.StepAngleDeg == 0 {
		c.Mechanics.StepAngleDeg = 1.8
	}
	if c.Mechanics.Microstepping == 0 {
		c.Mechanics.Microstepping = 2
	}
	if c.Mechanics.GearRatio == 0 {
		c.Mechanics.GearRatio = 72
	}

	if c.Range == (RangeConfig{}) {
		c.Range = RangeConfig{MinAz: -40, MaxAz: 400, MinEl: 0, MaxEl: 180}
	}

	if c.Homing.AzDir == 0 {
		c.Homing.AzDir = -1 // CCW
	}
	if c.Homing.ElDir == 0 {
		c.Homing.ElDir = -1 // down
	}
	if c.Homing.MaxSteps <= 0 {
		c.Homing.MaxSteps = 15000
	}
	if c.Homing.SettleMs <= 0 {
		c.Homing.SettleMs = 800
	}
	if c.Homing.SafeMinAz == 0 && c.Homing.SafeMaxAz == 0 {
		c.Homing.SafeMaxAz = 360
	}
	if c.Homing.NeutralAz == 0 {
		c.Homing.NeutralAz = 180
	}

	if c.Calibration.BackoffDeg <= 0 {
		c.Calibration.BackoffDeg = 180
	}

	if c.Sensor.Transport == "" {
		c.Sensor.Transport = "udp"
	}
	if c.Sensor.UDPPort <= 0 {
		c.Sensor.UDPPort = 4210
	}
	if c.Sensor.SerialBaud <= 0 {
		c.Sensor.SerialBaud = 115200
	}
	if c.Sensor.SmoothingAlpha == nil {
		a := 0.2
		c.Sensor.SmoothingAlpha = &a
	}
	if c.Sensor.MagneticDeclinationDeg == nil {
		d := 8.2
		c.Sensor.MagneticDeclinationDeg = &d
	}
	if c.Sensor.FreshMs <= 0 {
		c.Sensor.FreshMs = 2000
	}

	if c.Defaults.LoopPeriodMs <= 0 {
		c.Defaults.LoopPeriodMs = 2
	}
	if c.Defaults.GPIOBackend == "" {
		c.Defaults.GPIOBackend = "rpio"
	}
	if c.Defaults.GPIOChip == "" {
		c.Defaults.GPIOChip = "gpiochip0"
	}
	if c.Defaults.RotctlPort <= 0 {
		c.Defaults.RotctlPort = 4533
	}
}

// Validate checks the loaded values. Load calls it after applying defaults.
func (c *Config) Validate() error {
	if !c.AzimuthStepper.Configured() {
		return fmt.Errorf("azimuth_stepper.step_pin is required")
	}
	if c.AzimuthStepper.DirPin <= 0 {
		return fmt.Errorf("azimuth_stepper.dir_pin is required")
	}
	if c.ElevationStepper.Configured() && c.ElevationStepper.DirPin <= 0 {
		return fmt.Errorf("elevation_stepper.dir_pin is required when step_pin is set")
	}
	if c.Mechanics.ElGangedDrive && c.Elevation2Stepper.Configured() && c.Elevation2Stepper.DirPin <= 0 {
		return fmt.Errorf("elevation2_stepper.dir_pin is required when step_pin is set")
	}

	if c.Mechanics.StepAngleDeg <= 0 || c.Mechanics.Microstepping <= 0 || c.Mechanics.GearRatio <= 0 {
		return fmt.Errorf("mechanics values must be > 0, got step_angle_deg=%g microstepping=%d gear_ratio=%g",
			c.Mechanics.StepAngleDeg, c.Mechanics.Microstepping, c.Mechanics.GearRatio)
	}

	if c.Range.MinAz >= c.Range.MaxAz {
		return fmt.Errorf("range.min_az must be < range.max_az, got %.2f >= %.2f", c.Range.MinAz, c.Range.MaxAz)
	}
	if c.Range.MinEl >= c.Range.MaxEl {
		return fmt.Errorf("range.min_el must be < range.max_el, got %.2f >= %.2f", c.Range.MinEl, c.Range.MaxEl)
	}

	if c.Homing.AzDir != 1 && c.Homing.AzDir != -1 {
		return fmt.Errorf("homing.az_dir must be +1 or -1, got %d", c.Homing.AzDir)
	}
	if c.Homing.ElDir != 1 && c.Homing.ElDir != -1 {
		return fmt.Errorf("homing.el_dir must be +1 or -1, got %d", c.Homing.ElDir)
	}
	if c.Homing.SafeMinAz >= c.Homing.SafeMaxAz {
		return fmt.Errorf("homing.safe_min_az must be < homing.safe_max_az, got %.2f >= %.2f",
			c.Homing.SafeMinAz, c.Homing.SafeMaxAz)
	}

	a := *c.Sensor.SmoothingAlpha
	if math.IsNaN(a) || a < 0 || a > 1 {
		return fmt.Errorf("sensor.smoothing_alpha must be between 0 and 1, got %.2f", a)
	}
	switch c.Sensor.Transport {
	case "udp", "none":
	case "serial":
		if c.Sensor.SerialDevice == "" {
			return fmt.Errorf("sensor.serial_device is required for serial transport")
		}
	default:
		return fmt.Errorf("unsupported sensor transport: %s", c.Sensor.Transport)
	}

	switch c.Defaults.GPIOBackend {
	case "rpio", "cdev":
	default:
		return fmt.Errorf("unsupported gpio backend: %s", c.Defaults.GPIOBackend)
	}
	return nil
}

// StepsPerDegree returns the microsteps needed to turn either axis by one degree.
func (c *Config) StepsPerDegree() float64 {
	return float64(c.Mechanics.Microstepping) * c.Mechanics.GearRatio / c.Mechanics.StepAngleDeg
}

// LoopPeriod returns the control loop period.
func (c *Config) LoopPeriod() time.Duration {
	return time.Duration(c.Defaults.LoopPeriodMs) * time.Millisecond
}

// DebounceWindow returns the limit switch debounce window.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Limits.DebounceMs) * time.Millisecond
}

// SettleDelay returns the wait between a limit stop and zeroing the axis.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Homing.SettleMs) * time.Millisecond
}

// FreshWindow returns how long a fused sensor estimate stays valid.
func (c *Config) FreshWindow() time.Duration {
	return time.Duration(c.Sensor.FreshMs) * time.Millisecond
}

// LimitsActiveLow reports whether a triggered switch reads LOW.
func (c *Config) LimitsActiveLow() bool {
	return c.Limits.ActiveLow == nil || *c.Limits.ActiveLow
}

// Alpha returns the sensor smoothing factor.
func (c *Config) Alpha() float64 {
	if c.Sensor.SmoothingAlpha == nil {
		return 0.2
	}
	return *c.Sensor.SmoothingAlpha
}

// Declination returns the magnetic declination in degrees.
func (c *Config) Declination() float64 {
	if c.Sensor.MagneticDeclinationDeg == nil {
		return 0
	}
	return *c.Sensor.MagneticDeclinationDeg
}
