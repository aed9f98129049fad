// Package config loads the simulator configuration. Values come from the
// built-in defaults, then an optional YAML file, then SATLINK_* environment
// variables, then command-line flags; the result is validated once.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/bbframe"
	"github.com/signalsfoundry/satlink-scheduler/internal/channel"
	"github.com/signalsfoundry/satlink-scheduler/internal/cno"
	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/fwdlink"
	"github.com/signalsfoundry/satlink-scheduler/internal/gwmac"
	"github.com/signalsfoundry/satlink-scheduler/internal/superframe"
	"github.com/signalsfoundry/satlink-scheduler/internal/utmac"
	"github.com/signalsfoundry/satlink-scheduler/model"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for any configuration that fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SATLINK_"

// Config is the complete simulator configuration.
type Config struct {
	Simulation Simulation `yaml:"simulation"`
	Gateway    Gateway    `yaml:"gateway"`
	Forward    Forward    `yaml:"forward"`
	Return     Return     `yaml:"return"`
	Channel    Channel    `yaml:"channel"`
	Terminals  []Terminal `yaml:"terminals"`
}

// Simulation controls the run itself.
type Simulation struct {
	Start       time.Time     `yaml:"start"`
	Duration    time.Duration `yaml:"duration"`
	Tick        time.Duration `yaml:"tick"`
	Accelerated bool          `yaml:"accelerated"`
	GRPCAddr    string        `yaml:"grpc_addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

// Gateway describes the gateway of the single beam.
type Gateway struct {
	Address         string `yaml:"address"`
	Beam            uint32 `yaml:"beam"`
	Carriers        uint32 `yaml:"carriers"`
	SendDummyFrames bool   `yaml:"send_dummy_frames"`
	QueueLimitBytes uint32 `yaml:"queue_limit_bytes"`
}

// Forward holds the forward-link scheduler and BBFrame parameters.
type Forward struct {
	Interval       time.Duration `yaml:"interval"`
	StartThreshold time.Duration `yaml:"start_threshold"`
	StopThreshold  time.Duration `yaml:"stop_threshold"`
	UsageMode      string        `yaml:"usage_mode"`
	Sort           string        `yaml:"sort"`
	CnoMode        string        `yaml:"cno_mode"`
	CnoWindow      time.Duration `yaml:"cno_window"`

	SymbolRate    float64  `yaml:"symbol_rate"`
	Pilots        bool     `yaml:"pilots"`
	DefaultModcod string   `yaml:"default_modcod"`
	Modcods       []string `yaml:"modcods"`
	LinkMarginDb  float64  `yaml:"link_margin_db"`
}

// Return holds the return-link access parameters.
type Return struct {
	CrPeriod            time.Duration `yaml:"cr_period"`
	FramePduHeaderBytes uint32        `yaml:"frame_pdu_header_bytes"`
	GuardTime           time.Duration `yaml:"guard_time"`
	CraKbps             float64       `yaml:"cra_kbps"`
	AssignmentFormat    uint8         `yaml:"assignment_format"`
	TbtpHistory         int           `yaml:"tbtp_history"`
	Lead                int           `yaml:"lead"`

	Waveforms   []Waveform   `yaml:"waveforms"`
	Superframes []Superframe `yaml:"superframes"`
}

// Waveform describes a burst format.
type Waveform struct {
	ID              uint32  `yaml:"id"`
	ModulatedBits   int     `yaml:"modulated_bits"`
	CodingRate      float64 `yaml:"coding_rate"`
	LengthInSymbols uint32  `yaml:"length_in_symbols"`
}

// Superframe describes one superframe of uniform frames.
type Superframe struct {
	Duration time.Duration `yaml:"duration"`
	Frames   []Frame       `yaml:"frames"`
}

// Frame is a grid of carriers times slots sharing one waveform.
type Frame struct {
	ID              uint8   `yaml:"id"`
	SymbolRate      float64 `yaml:"symbol_rate"`
	Carriers        uint32  `yaml:"carriers"`
	SlotsPerCarrier uint32  `yaml:"slots_per_carrier"`
	Waveform        uint32  `yaml:"waveform"`
}

// Channel parameterises the C/N0 sample source.
type Channel struct {
	Period          time.Duration `yaml:"period"`
	MinElevationDeg float64       `yaml:"min_elevation_deg"`
	FrequencyGHz    float64       `yaml:"frequency_ghz"`
	EirpDBW         float64       `yaml:"eirp_dbw"`
	GOverT          float64       `yaml:"g_over_t"`
	LossesDB        float64       `yaml:"losses_db"`
	Satellite       Satellite     `yaml:"satellite"`
}

// Satellite is either TLE tracked or fixed at a geodetic position.
type Satellite struct {
	TLE1         string  `yaml:"tle1"`
	TLE2         string  `yaml:"tle2"`
	LatitudeDeg  float64 `yaml:"latitude_deg"`
	LongitudeDeg float64 `yaml:"longitude_deg"`
	AltitudeKm   float64 `yaml:"altitude_km"`
}

// Terminal describes one user terminal and its traffic.
type Terminal struct {
	Name         string  `yaml:"name"`
	Address      string  `yaml:"address"`
	AssignmentID uint64  `yaml:"assignment_id"`
	LatitudeDeg  float64 `yaml:"latitude_deg"`
	LongitudeDeg float64 `yaml:"longitude_deg"`
	Forward      Traffic `yaml:"forward"`
	Return       Traffic `yaml:"return"`
}

// Traffic is a constant bit rate flow; a zero interval disables it.
type Traffic struct {
	Size     uint32        `yaml:"size"`
	Interval time.Duration `yaml:"interval"`
	Flow     uint8         `yaml:"flow"`
}

// Default returns the built-in configuration: one geostationary beam with
// a single terminal at the subsatellite point.
func Default() *Config {
	fwd := fwdlink.DefaultConfig()
	ut := utmac.DefaultConfig()
	budget := channel.DefaultLinkBudget()
	return &Config{
		Simulation: Simulation{
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Duration:    10 * time.Second,
			Tick:        100 * time.Millisecond,
			Accelerated: true,
		},
		Gateway: Gateway{
			Address:  "00:00:00:00:01:00",
			Beam:     1,
			Carriers: 1,
		},
		Forward: Forward{
			Interval:       fwd.Interval,
			StartThreshold: fwd.StartThreshold,
			StopThreshold:  fwd.StopThreshold,
			UsageMode:      fwd.UsageMode.String(),
			Sort:           fwd.Sort.String(),
			CnoMode:        fwd.CnoMode.String(),
			CnoWindow:      fwd.CnoWindow,
			SymbolRate:     bbframe.DefaultSymbolRate,
			DefaultModcod:  bbframe.QPSK_1_4.String(),
		},
		Return: Return{
			CrPeriod:            ut.CrPeriod,
			FramePduHeaderBytes: ut.FramePduHeaderBytes,
			GuardTime:           ut.GuardTime,
			CraKbps:             ut.Cra,
			AssignmentFormat:    ctrlmsg.AssignmentFormat8Bit,
			TbtpHistory:         ctrlmsg.DefaultTbtpHistoryCapacity,
			Lead:                gwmac.DefaultLead,
			Waveforms: []Waveform{
				{ID: 3, ModulatedBits: 2, CodingRate: 1.0 / 3, LengthInSymbols: 536},
			},
			Superframes: []Superframe{{
				Duration: 10 * time.Millisecond,
				Frames: []Frame{
					{ID: 0, SymbolRate: 1e6, Carriers: 2, SlotsPerCarrier: 16, Waveform: 3},
				},
			}},
		},
		Channel: Channel{
			Period:          100 * time.Millisecond,
			MinElevationDeg: channel.DefaultMinElevationDeg,
			FrequencyGHz:    budget.FrequencyGHz,
			EirpDBW:         budget.EirpDBW,
			GOverT:          budget.GOverT,
			LossesDB:        budget.LossesDB,
			Satellite:       Satellite{AltitudeKm: 35793},
		},
		Terminals: []Terminal{{
			Name:         "ut-1",
			Address:      "00:00:00:00:00:01",
			AssignmentID: 1,
			Forward:      Traffic{Size: 128, Interval: time.Second, Flow: 1},
			Return:       Traffic{Size: 32, Interval: time.Second, Flow: 1},
		}},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return Decode(data)
}

// Decode parses YAML over the defaults. Lists in the document replace the
// default lists.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	// Lists are replaced wholesale rather than merged element-wise.
	cfg.Terminals = nil
	cfg.Return.Waveforms = nil
	cfg.Return.Superframes = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	def := Default()
	if cfg.Terminals == nil {
		cfg.Terminals = def.Terminals
	}
	if cfg.Return.Waveforms == nil {
		cfg.Return.Waveforms = def.Return.Waveforms
	}
	if cfg.Return.Superframes == nil {
		cfg.Return.Superframes = def.Return.Superframes
	}
	return cfg, nil
}

// ApplyEnv overrides run-level settings from SATLINK_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	dur("DURATION", &c.Simulation.Duration)
	dur("TICK", &c.Simulation.Tick)
	boolean("ACCELERATED", &c.Simulation.Accelerated)
	str("GRPC_ADDR", &c.Simulation.GRPCAddr)
	str("METRICS_ADDR", &c.Simulation.MetricsAddr)
	boolean("SEND_DUMMY_FRAMES", &c.Gateway.SendDummyFrames)
	str("USAGE_MODE", &c.Forward.UsageMode)
	str("SORT", &c.Forward.Sort)
	str("CNO_MODE", &c.Forward.CnoMode)
	dur("CNO_WINDOW", &c.Forward.CnoWindow)
	str("DEFAULT_MODCOD", &c.Forward.DefaultModcod)
	dur("CR_PERIOD", &c.Return.CrPeriod)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Flags are the command-line overrides. Only flags that were set on the
// command line are applied.
type Flags struct {
	ConfigPath  string
	Duration    time.Duration
	Tick        time.Duration
	Accelerated bool
	GRPCAddr    string
	MetricsAddr string

	fs *flag.FlagSet
}

// RegisterFlags defines the simulator flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "path to a YAML configuration file")
	fs.DurationVar(&f.Duration, "duration", 0, "simulated duration (overrides the file)")
	fs.DurationVar(&f.Tick, "tick", 0, "time controller tick (overrides the file)")
	fs.BoolVar(&f.Accelerated, "accelerated", true, "run in accelerated mode (vs real-time)")
	fs.StringVar(&f.GRPCAddr, "grpc-addr", "", "TCP address of the LinkControl gRPC server; empty disables it")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables it")
	return f
}

// Apply copies the flags set on the command line into c.
func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "duration":
			c.Simulation.Duration = f.Duration
		case "tick":
			c.Simulation.Tick = f.Tick
		case "accelerated":
			c.Simulation.Accelerated = f.Accelerated
		case "grpc-addr":
			c.Simulation.GRPCAddr = f.GRPCAddr
		case "metrics-addr":
			c.Simulation.MetricsAddr = f.MetricsAddr
		}
	})
}

// Parse runs the whole chain: flags, file, environment, flag overrides and
// validation.
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	flags := RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if flags.ConfigPath != "" {
		loaded, err := Load(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and that the derived component
// configurations can be built.
func (c *Config) Validate() error {
	if c.Simulation.Duration <= 0 {
		return fmt.Errorf("%w: simulation duration must be positive, got %v", ErrInvalidConfig, c.Simulation.Duration)
	}
	if c.Simulation.Tick <= 0 {
		return fmt.Errorf("%w: tick must be positive, got %v", ErrInvalidConfig, c.Simulation.Tick)
	}
	if c.Gateway.Carriers == 0 {
		return fmt.Errorf("%w: gateway needs at least one carrier", ErrInvalidConfig)
	}
	if c.Channel.Period <= 0 {
		return fmt.Errorf("%w: channel period must be positive, got %v", ErrInvalidConfig, c.Channel.Period)
	}
	if c.Return.Lead < 0 {
		return fmt.Errorf("%w: negative TBTP lead %d", ErrInvalidConfig, c.Return.Lead)
	}

	gw, err := c.GatewayAddress()
	if err != nil {
		return err
	}
	fwd, err := c.ForwardConfig(gw)
	if err != nil {
		return err
	}
	if err := fwd.Validate(); err != nil {
		return err
	}
	if _, err := c.FrameConf(); err != nil {
		return err
	}
	if err := c.TerminalConfig().Validate(); err != nil {
		return err
	}
	if _, _, _, err := ctrlmsg.AssignmentWidth(c.Return.AssignmentFormat); err != nil {
		return err
	}
	if _, err := c.Sequence(); err != nil {
		return err
	}
	if _, err := c.SatelliteMotion(); err != nil {
		return err
	}
	if _, err := c.ModelTerminals(); err != nil {
		return err
	}
	return nil
}

// GatewayAddress parses the gateway MAC address.
func (c *Config) GatewayAddress() (model.Address, error) {
	a, err := model.ParseAddress(c.Gateway.Address)
	if err != nil {
		return model.Address{}, fmt.Errorf("%w: gateway: %v", ErrInvalidConfig, err)
	}
	if a.IsGroup() {
		return model.Address{}, fmt.Errorf("%w: gateway address %s is a group address", ErrInvalidConfig, a)
	}
	return a, nil
}

// ForwardConfig builds the forward-link scheduler configuration.
func (c *Config) ForwardConfig(gw model.Address) (fwdlink.Config, error) {
	usage, err := fwdlink.ParseUsageMode(c.Forward.UsageMode)
	if err != nil {
		return fwdlink.Config{}, err
	}
	sort, err := fwdlink.ParseSortCriterion(c.Forward.Sort)
	if err != nil {
		return fwdlink.Config{}, err
	}
	mode, err := cno.ParseMode(c.Forward.CnoMode)
	if err != nil {
		return fwdlink.Config{}, err
	}
	return fwdlink.Config{
		Interval:       c.Forward.Interval,
		StartThreshold: c.Forward.StartThreshold,
		StopThreshold:  c.Forward.StopThreshold,
		UsageMode:      usage,
		Sort:           sort,
		CnoMode:        mode,
		CnoWindow:      c.Forward.CnoWindow,
		MacAddress:     gw,
	}, nil
}

// FrameConf builds the BBFrame tables of the forward carriers.
func (c *Config) FrameConf() (*bbframe.Conf, error) {
	def, err := bbframe.ParseModcod(c.Forward.DefaultModcod)
	if err != nil {
		return nil, err
	}
	var modcods []bbframe.Modcod
	for _, s := range c.Forward.Modcods {
		m, err := bbframe.ParseModcod(s)
		if err != nil {
			return nil, err
		}
		modcods = append(modcods, m)
	}
	return bbframe.NewConf(bbframe.ConfParams{
		SymbolRate:    c.Forward.SymbolRate,
		Pilots:        c.Forward.Pilots,
		DefaultModcod: def,
		Modcods:       modcods,
		LinkMarginDb:  c.Forward.LinkMarginDb,
	})
}

// TerminalConfig builds the terminal MAC configuration shared by every
// terminal.
func (c *Config) TerminalConfig() utmac.Config {
	return utmac.Config{
		CrPeriod:            c.Return.CrPeriod,
		FramePduHeaderBytes: c.Return.FramePduHeaderBytes,
		GuardTime:           c.Return.GuardTime,
		Cra:                 c.Return.CraKbps,
	}
}

// NCCConfig builds the network control centre configuration.
func (c *Config) NCCConfig() gwmac.NCCConfig {
	return gwmac.NCCConfig{
		Beam:             c.Gateway.Beam,
		SuperframeID:     0,
		AssignmentFormat: c.Return.AssignmentFormat,
		Lead:             c.Return.Lead,
	}
}

// Sequence builds the return-link superframe sequence, anchored at the
// simulation start.
func (c *Config) Sequence() (*superframe.Sequence, error) {
	wfs := make([]superframe.Waveform, 0, len(c.Return.Waveforms))
	byID := make(map[uint32]superframe.Waveform, len(c.Return.Waveforms))
	for _, w := range c.Return.Waveforms {
		wf := superframe.Waveform{
			ID:              w.ID,
			ModulatedBits:   w.ModulatedBits,
			CodingRate:      w.CodingRate,
			LengthInSymbols: w.LengthInSymbols,
		}
		wfs = append(wfs, wf)
		byID[w.ID] = wf
	}
	sfs := make([]superframe.Superframe, 0, len(c.Return.Superframes))
	for i, s := range c.Return.Superframes {
		sf := superframe.Superframe{ID: uint8(i), Duration: s.Duration}
		for _, f := range s.Frames {
			wf, ok := byID[f.Waveform]
			if !ok {
				return nil, fmt.Errorf("%w: superframe %d frame %d: waveform %d", superframe.ErrUnknownWaveform, i, f.ID, f.Waveform)
			}
			sf.Frames = append(sf.Frames, superframe.UniformFrame(f.ID, f.SymbolRate, f.Carriers, f.SlotsPerCarrier, wf))
		}
		sfs = append(sfs, sf)
	}
	opts := []superframe.Option{superframe.WithEpoch(c.Simulation.Start)}
	if c.Return.TbtpHistory > 0 {
		opts = append(opts, superframe.WithHistoryCapacity(c.Return.TbtpHistory))
	}
	return superframe.NewSequence(sfs, wfs, opts...)
}

// LinkBudget returns the forward-link budget of the channel.
func (c *Config) LinkBudget() channel.LinkBudget {
	return channel.LinkBudget{
		FrequencyGHz: c.Channel.FrequencyGHz,
		EirpDBW:      c.Channel.EirpDBW,
		GOverT:       c.Channel.GOverT,
		LossesDB:     c.Channel.LossesDB,
	}
}

// SatelliteMotion builds the satellite motion model.
func (c *Config) SatelliteMotion() (channel.MotionModel, error) {
	s := c.Channel.Satellite
	switch {
	case s.TLE1 != "" && s.TLE2 != "":
		return channel.NewOrbitalMotion(s.TLE1, s.TLE2), nil
	case s.TLE1 != "" || s.TLE2 != "":
		return nil, fmt.Errorf("%w: satellite TLE needs both lines", ErrInvalidConfig)
	case s.AltitudeKm <= 0:
		return nil, fmt.Errorf("%w: satellite altitude must be positive without a TLE", ErrInvalidConfig)
	}
	return channel.StaticMotion{Pos: channel.FromGeodetic(s.LatitudeDeg, s.LongitudeDeg, s.AltitudeKm)}, nil
}

// ModelTerminals converts the terminal list into domain terminals on the
// gateway beam. Addresses and assignment ids must be unique.
func (c *Config) ModelTerminals() ([]model.Terminal, error) {
	if len(c.Terminals) == 0 {
		return nil, fmt.Errorf("%w: no terminals", ErrInvalidConfig)
	}
	_, idBytes, _, err := ctrlmsg.AssignmentWidth(c.Return.AssignmentFormat)
	if err != nil {
		return nil, err
	}
	maxID := uint64(1)<<(8*idBytes) - 1

	seenAddr := make(map[model.Address]string)
	seenID := make(map[uint64]string)
	out := make([]model.Terminal, 0, len(c.Terminals))
	for _, t := range c.Terminals {
		addr, err := model.ParseAddress(t.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: terminal %q: %v", ErrInvalidConfig, t.Name, err)
		}
		if addr.IsGroup() {
			return nil, fmt.Errorf("%w: terminal %q has group address %s", ErrInvalidConfig, t.Name, addr)
		}
		if other, ok := seenAddr[addr]; ok {
			return nil, fmt.Errorf("%w: terminals %q and %q share address %s", ErrInvalidConfig, other, t.Name, addr)
		}
		if other, ok := seenID[t.AssignmentID]; ok {
			return nil, fmt.Errorf("%w: terminals %q and %q share assignment id %d", ErrInvalidConfig, other, t.Name, t.AssignmentID)
		}
		if t.AssignmentID > maxID {
			return nil, fmt.Errorf("%w: terminal %q: %w: id %d, format %d", ErrInvalidConfig, t.Name,
				ctrlmsg.ErrAssignmentIDOverflow, t.AssignmentID, c.Return.AssignmentFormat)
		}
		seenAddr[addr] = t.Name
		seenID[t.AssignmentID] = t.Name

		pos := channel.FromGeodetic(t.LatitudeDeg, t.LongitudeDeg, 0)
		const kmToM = 1000.0
		out = append(out, model.Terminal{
			Name:         t.Name,
			Address:      addr,
			AssignmentID: t.AssignmentID,
			Beam:         c.Gateway.Beam,
			Platform: model.PlatformDefinition{
				ID:          t.Name,
				Name:        t.Name,
				Type:        "TERMINAL",
				Coordinates: model.Motion{X: pos.X * kmToM, Y: pos.Y * kmToM, Z: pos.Z * kmToM},
			},
		})
	}
	return out, nil
}
