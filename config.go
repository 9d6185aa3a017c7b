package canzero

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/notnil/canzero/canbus"
	"github.com/notnil/canzero/heartbeat"
	"github.com/notnil/canzero/nodeid"
)

// Drivers selectable per endpoint.
const (
	DriverSocketCAN = "socketcan"
	DriverSim       = "sim"
)

// Serial settings other than 16 hex digits.
const (
	SerialMachine = "machine"
	SerialRandom  = "random"
)

// FileConfig is the daemon configuration file.
type FileConfig struct {
	Log       LogConfig        `toml:"log"`
	Endpoints []EndpointConfig `toml:"endpoint"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug|info|warn|error
	Format string `toml:"format"` // text|json
}

// EndpointConfig is one [[endpoint]] table.
type EndpointConfig struct {
	Name              string        `toml:"name"`
	Driver            string        `toml:"driver"`
	Bitrate           uint32        `toml:"bitrate"`
	NodeID            NodeIDSetting `toml:"node_id"`
	Serial            string        `toml:"serial"`
	HeartbeatPeriod   time.Duration `toml:"heartbeat_period"`
	ArbitrationWindow time.Duration `toml:"arbitration_window"`
	WaitTimeout       time.Duration `toml:"wait_timeout"`
	Filter            string        `toml:"filter"`
	Policy            string        `toml:"policy"`
	Seed              int64         `toml:"seed"`
	Echo              bool          `toml:"echo"`
	ManageLink        bool          `toml:"manage_link"`
	Capture           string        `toml:"capture"`
	LogFrames         bool          `toml:"log_frames"`
}

// NodeIDSetting is the node_id key: an integer or "auto".
type NodeIDSetting struct {
	ID  nodeid.NodeID
	Set bool
}

// UnmarshalTOML implements toml.Unmarshaler.
func (s *NodeIDSetting) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		if x < 0 || x > int64(nodeid.MaxNodeID) {
			return fmt.Errorf("node_id %d out of range 0..%d", x, nodeid.MaxNodeID)
		}
		s.ID, s.Set = nodeid.NodeID(x), true
	case string:
		id, err := nodeid.ParseNodeID(x)
		if err != nil {
			return err
		}
		s.ID, s.Set = id, true
	default:
		return fmt.Errorf("node_id: unsupported value %v (%T)", v, v)
	}
	return nil
}

// Value returns the configured id, nodeid.Unset when absent or "auto".
func (s NodeIDSetting) Value() nodeid.NodeID {
	if !s.Set {
		return nodeid.Unset
	}
	return s.ID
}

// LoadConfigFile loads a configuration from a TOML file.
func LoadConfigFile(path string) (*FileConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(string(content))
}

// ParseConfig parses TOML content, applies defaults and validates the result.
// Unknown keys are an error.
func ParseConfig(content string) (*FileConfig, error) {
	var cfg FileConfig
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("failed to parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FileConfig) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Endpoints {
		c.Endpoints[i].applyDefaults()
	}
}

// Validate checks the whole file.
func (c *FileConfig) Validate() error {
	if _, err := c.Log.level(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("config: no [[endpoint]] defined")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if seen[ep.Name] {
			return fmt.Errorf("endpoint %q: defined twice", ep.Name)
		}
		seen[ep.Name] = true
		if err := ep.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log: %w", err)
	}
	return lv, nil
}

// NewLogger builds the configured slog logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lv, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lv}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// DefaultEndpointConfig returns the defaults of an [[endpoint]] table.
func DefaultEndpointConfig() EndpointConfig {
	var ep EndpointConfig
	ep.applyDefaults()
	return ep
}

func (e *EndpointConfig) applyDefaults() {
	if e.Driver == "" {
		e.Driver = DriverSocketCAN
	}
	if e.Name == "" {
		e.Name = "can0"
	}
	if e.Bitrate == 0 {
		e.Bitrate = uint32(canbus.Bitrate500K)
	}
	if e.Serial == "" {
		e.Serial = SerialRandom
	}
	if e.HeartbeatPeriod == 0 {
		e.HeartbeatPeriod = heartbeat.DefaultPeriod
	}
	if e.ArbitrationWindow == 0 {
		e.ArbitrationWindow = nodeid.DefaultWindow
	}
	if e.WaitTimeout == 0 {
		e.WaitTimeout = DefaultWaitTimeout
	}
	if e.Filter == "" {
		e.Filter = canbus.FilterAcceptAll.String()
	}
	if e.Policy == "" {
		e.Policy = "sequential"
	}
}

// Validate checks one endpoint.
func (e EndpointConfig) Validate() error {
	wrap := func(err error) error { return fmt.Errorf("endpoint %q: %w", e.Name, err) }
	if e.Driver != DriverSocketCAN && e.Driver != DriverSim {
		return wrap(fmt.Errorf("unknown driver %q", e.Driver))
	}
	if e.ManageLink && e.Driver != DriverSocketCAN {
		return wrap(fmt.Errorf("manage_link requires the %s driver", DriverSocketCAN))
	}
	if _, err := canbus.ParseFilterMode(e.Filter); err != nil {
		return wrap(err)
	}
	if _, err := nodeid.ParsePolicy(e.Policy, e.Seed); err != nil {
		return wrap(err)
	}
	switch e.Serial {
	case SerialMachine, SerialRandom:
	default:
		if _, err := nodeid.ParseSerial(e.Serial); err != nil {
			return wrap(err)
		}
	}
	cfg, err := e.interfaceConfig(nodeid.Serial{})
	if err != nil {
		return wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return wrap(err)
	}
	return nil
}

// ResolveSerial returns the endpoint's serial, deriving or drawing it when
// configured as "machine" or "random".
func (e EndpointConfig) ResolveSerial() (nodeid.Serial, error) {
	switch e.Serial {
	case SerialMachine:
		return nodeid.MachineSerial(e.Name)
	case SerialRandom, "":
		return nodeid.RandomSerial()
	}
	return nodeid.ParseSerial(e.Serial)
}

// SocketCANOptions returns the controller options for a socketcan endpoint.
// Without manage_link the bitrate is whatever the link was configured with
// outside the daemon.
func (e EndpointConfig) SocketCANOptions() []canbus.SocketCANOption {
	var opts []canbus.SocketCANOption
	if e.Echo {
		opts = append(opts, canbus.SocketCANEcho())
	}
	if e.ManageLink {
		opts = append(opts, canbus.SocketCANManageLink())
	}
	return opts
}

// InterfaceConfig converts the table into an Interface Config.
func (e EndpointConfig) InterfaceConfig() (Config, error) {
	serial, err := e.ResolveSerial()
	if err != nil {
		return Config{}, fmt.Errorf("endpoint %q: %w", e.Name, err)
	}
	cfg, err := e.interfaceConfig(serial)
	if err != nil {
		return Config{}, fmt.Errorf("endpoint %q: %w", e.Name, err)
	}
	return cfg, nil
}

func (e EndpointConfig) interfaceConfig(serial nodeid.Serial) (Config, error) {
	filter, err := canbus.ParseFilterMode(e.Filter)
	if err != nil {
		return Config{}, err
	}
	policy, err := nodeid.ParsePolicy(e.Policy, e.Seed)
	if err != nil {
		return Config{}, err
	}
	if _, ok := policy.(nodeid.Sequential); ok {
		policy = nodeid.SequentialFor(serial)
	}
	return Config{
		Name:              e.Name,
		Bitrate:           canbus.Bitrate(e.Bitrate),
		Filter:            filter,
		Serial:            serial,
		Candidate:         e.NodeID.Value(),
		Policy:            policy,
		HeartbeatPeriod:   e.HeartbeatPeriod,
		ArbitrationWindow: e.ArbitrationWindow,
		WaitTimeout:       e.WaitTimeout,
	}, nil
}
