package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/ledlink/internal/proto"
	"github.com/petervdpas/ledlink/internal/util"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "ledlink.json"

type Config struct {
	Device     Device     `json:"device"`
	Channels   Channels   `json:"channels"`
	Connection Connection `json:"connection"`
	Progress   Progress   `json:"progress"`
	Playback   Playback   `json:"playback"`
	Viewer     Viewer     `json:"viewer"`
	Storage    Storage    `json:"storage"`
	Log        Log        `json:"log"`
}

type Device struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`

	// Run against the in-process firmware simulator instead of the network.
	Simulate bool `json:"simulate"`

	// Wrap text commands as {"player":N,"message":"..."} for firmware
	// builds that only parse JSON.
	JSONEnvelope bool `json:"json_envelope"`
}

type Channels struct {
	IDs []int `json:"ids"`
}

type Connection struct {
	HeartbeatIntervalMs  int  `json:"heartbeat_interval_ms"`
	ConnectionTimeoutMs  int  `json:"connection_timeout_ms"`
	ReconnectDelayMs     int  `json:"reconnect_delay_ms"`
	MaxReconnectAttempts int  `json:"max_reconnect_attempts"`
	AutoReconnect        bool `json:"auto_reconnect"`
	MonitorIntervalMs    int  `json:"monitor_interval_ms"`
}

type Progress struct {
	SampleIntervalMs int `json:"sample_interval_ms"`
	MinIntervalMs    int `json:"min_interval_ms"`
	MinDeltaPercent  int `json:"min_delta_percent"`
}

type Playback struct {
	DurationSec int `json:"duration_sec"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"` // empty disables the control surface
}

type Storage struct {
	JournalPath string `json:"journal_path"` // empty disables the journal
	JournalKeep int    `json:"journal_keep"`
}

type Log struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

func Default() Config {
	return Config{
		Device: Device{
			Host: "192.168.0.1",
			Port: 80,
			Path: "/ws",
		},
		Channels: Channels{
			IDs: []int{proto.Player1},
		},
		Connection: Connection{
			HeartbeatIntervalMs:  5000,
			ConnectionTimeoutMs:  10000,
			ReconnectDelayMs:     3000,
			MaxReconnectAttempts: 5,
			AutoReconnect:        true,
			MonitorIntervalMs:    1000,
		},
		Progress: Progress{
			SampleIntervalMs: 250,
			MinIntervalMs:    3000,
			MinDeltaPercent:  1,
		},
		Playback: Playback{
			DurationSec: 60,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Storage: Storage{
			JournalPath: "data/journal.db",
			JournalKeep: 5000,
		},
		Log: Log{
			Level:  "info",
			Pretty: true,
		},
	}
}

func (c *Config) Validate() error {
	// Device
	if !c.Device.Simulate && strings.TrimSpace(c.Device.Host) == "" {
		return errors.New("device.host is required")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		return errors.New("device.port must be 1..65535")
	}
	if c.Device.Path != "" && !strings.HasPrefix(c.Device.Path, "/") {
		return errors.New("device.path must start with /")
	}

	// Channels
	if len(c.Channels.IDs) == 0 {
		return errors.New("channels.ids must not be empty")
	}
	seen := make(map[int]bool, len(c.Channels.IDs))
	for _, id := range c.Channels.IDs {
		if !proto.ValidPlayer(id) {
			return fmt.Errorf("channels.ids must contain only 1 or 2, got %d", id)
		}
		if seen[id] {
			return fmt.Errorf("channels.ids must not repeat %d", id)
		}
		seen[id] = true
	}

	// Connection
	cn := c.Connection
	if cn.HeartbeatIntervalMs <= 0 {
		return errors.New("connection.heartbeat_interval_ms must be > 0")
	}
	if cn.ConnectionTimeoutMs <= 0 {
		return errors.New("connection.connection_timeout_ms must be > 0")
	}
	if cn.HeartbeatIntervalMs >= cn.ConnectionTimeoutMs {
		return errors.New("connection.heartbeat_interval_ms must be < connection.connection_timeout_ms")
	}
	if cn.ReconnectDelayMs < 0 {
		return errors.New("connection.reconnect_delay_ms must be >= 0")
	}
	if cn.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if cn.MonitorIntervalMs <= 0 {
		return errors.New("connection.monitor_interval_ms must be > 0")
	}

	// Progress
	if c.Progress.SampleIntervalMs <= 0 {
		return errors.New("progress.sample_interval_ms must be > 0")
	}
	if c.Progress.MinIntervalMs < 0 {
		return errors.New("progress.min_interval_ms must be >= 0")
	}
	if c.Progress.MinDeltaPercent < 0 || c.Progress.MinDeltaPercent > 100 {
		return errors.New("progress.min_delta_percent must be 0..100")
	}

	// Playback
	if c.Playback.DurationSec <= 0 {
		return errors.New("playback.duration_sec must be > 0")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr must be host:port: %w", err)
		}
	}

	// Storage
	if c.Storage.JournalKeep < 0 {
		return errors.New("storage.journal_keep must be >= 0")
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func (c Connection) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }
func (c Connection) ConnectionTimeout() time.Duration { return ms(c.ConnectionTimeoutMs) }
func (c Connection) ReconnectDelay() time.Duration    { return ms(c.ReconnectDelayMs) }
func (c Connection) MonitorInterval() time.Duration   { return ms(c.MonitorIntervalMs) }

func (p Progress) SampleInterval() time.Duration { return ms(p.SampleIntervalMs) }
func (p Progress) MinInterval() time.Duration    { return ms(p.MinIntervalMs) }

func (p Playback) Duration() time.Duration { return time.Duration(p.DurationSec) * time.Second }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ReconnectRequired reports whether moving from c to next needs the device
// link to be re-established. Everything else in the file is read at start.
func (c Config) ReconnectRequired(next Config) bool {
	return c.Device != next.Device
}

// RestartRequired reports whether a change outside the device section was
// made, which only takes effect on the next start.
func (c Config) RestartRequired(next Config) bool {
	a, _ := json.Marshal(c.withoutDevice())
	b, _ := json.Marshal(next.withoutDevice())
	return string(a) != string(b)
}

func (c Config) withoutDevice() Config {
	c.Device = Device{}
	return c
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
