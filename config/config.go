// Package config loads node configuration for the GojoTxn binaries. Values
// come from built-in defaults, then an optional YAML file, then the process
// environment (a .env file in the working directory is loaded first).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotxn/core/coordinator"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

type NodeConfig struct {
	ID            string `yaml:"id" env:"GOJOTXN_NODE_ID"`
	ListenAddress string `yaml:"listen_address" env:"GOJOTXN_LISTEN_ADDRESS"`
	// HTTPAddress serves /health and /status; empty disables it.
	HTTPAddress string `yaml:"http_address" env:"GOJOTXN_HTTP_ADDRESS"`
}

type ProtocolConfig struct {
	PrepareTimeout time.Duration `yaml:"prepare_timeout" env:"GOJOTXN_PREPARE_TIMEOUT"`
	RetryInitial   time.Duration `yaml:"retry_initial" env:"GOJOTXN_RETRY_INITIAL"`
	RetryMax       time.Duration `yaml:"retry_max" env:"GOJOTXN_RETRY_MAX"`
	SendTimeout    time.Duration `yaml:"send_timeout" env:"GOJOTXN_SEND_TIMEOUT"`
	ResendRate     float64       `yaml:"resend_rate" env:"GOJOTXN_RESEND_RATE"`
	ResendBurst    int           `yaml:"resend_burst" env:"GOJOTXN_RESEND_BURST"`
	QueryInterval  time.Duration `yaml:"query_interval" env:"GOJOTXN_QUERY_INTERVAL"`
	QueryMax       time.Duration `yaml:"query_max" env:"GOJOTXN_QUERY_MAX"`
	// Retain is how many finished transactions each node remembers.
	Retain int `yaml:"retain" env:"GOJOTXN_RETAIN"`
}

// LogConfig selects the transaction log backend: "file" (segmented WAL),
// "bolt" (BoltDB log store) or "memory".
type LogConfig struct {
	Backend     string `yaml:"backend" env:"GOJOTXN_LOG_BACKEND"`
	Dir         string `yaml:"dir" env:"GOJOTXN_LOG_DIR"`
	SegmentSize int64  `yaml:"segment_size" env:"GOJOTXN_LOG_SEGMENT_SIZE"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"GOJOTXN_TLS_ENABLED"`
	CAFile   string `yaml:"ca_file" env:"GOJOTXN_TLS_CA_FILE"`
	CertFile string `yaml:"cert_file" env:"GOJOTXN_TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"GOJOTXN_TLS_KEY_FILE"`
}

// Peer is another node of the cluster.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type Config struct {
	Node         NodeConfig       `yaml:"node"`
	Logger       logger.Config    `yaml:"logger"`
	Telemetry    telemetry.Config `yaml:"telemetry"`
	Protocol     ProtocolConfig   `yaml:"protocol"`
	Log          LogConfig        `yaml:"log"`
	TLS          TLSConfig        `yaml:"tls"`
	Coordinator  Peer             `yaml:"coordinator"`
	Participants []Peer           `yaml:"participants"`
}

// Default returns a configuration for a local three-participant cluster.
func Default() Config {
	cd := coordinator.DefaultConfig()
	pd := participant.DefaultConfig()
	return Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: "gojotxn", TraceSampleRatio: 1},
		Protocol: ProtocolConfig{
			PrepareTimeout: cd.PrepareTimeout,
			RetryInitial:   cd.RetryInitial,
			RetryMax:       cd.RetryMax,
			SendTimeout:    cd.SendTimeout,
			ResendRate:     cd.ResendRate,
			ResendBurst:    cd.ResendBurst,
			QueryInterval:  pd.QueryInterval,
			QueryMax:       pd.QueryMax,
			Retain:         coordinator.DefaultRetain,
		},
		Log:         LogConfig{Backend: "file", Dir: "data", SegmentSize: 16 << 20},
		Coordinator: Peer{ID: "coordinator", Address: "127.0.0.1:7400"},
		Participants: []Peer{
			{ID: "A", Address: "127.0.0.1:7401"},
			{ID: "B", Address: "127.0.0.1:7402"},
			{ID: "C", Address: "127.0.0.1:7403"},
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}
	for _, section := range []interface{}{&cfg.Node, &cfg.Logger, &cfg.Telemetry, &cfg.Protocol, &cfg.Log, &cfg.TLS} {
		if err := env.Parse(section); err != nil {
			return cfg, fmt.Errorf("failed to read environment: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Coordinator.ID == "" {
		return errors.New("config: coordinator.id is required")
	}
	if len(c.Participants) == 0 {
		return errors.New("config: at least one participant is required")
	}
	seen := map[string]bool{c.Coordinator.ID: true}
	for _, p := range c.Participants {
		if p.ID == "" {
			return errors.New("config: participant without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: node id %q used twice", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Node.ID != "" && !seen[c.Node.ID] {
		return fmt.Errorf("config: node.id %q is neither the coordinator nor a participant", c.Node.ID)
	}
	switch c.Log.Backend {
	case "file", "bolt", "memory":
	default:
		return fmt.Errorf("config: unknown log backend %q", c.Log.Backend)
	}
	p := c.Protocol
	if p.PrepareTimeout <= 0 || p.RetryInitial <= 0 || p.RetryMax < p.RetryInitial || p.SendTimeout <= 0 {
		return errors.New("config: protocol timeouts must be positive and retry_max must not be below retry_initial")
	}
	if p.QueryInterval <= 0 || p.QueryMax < p.QueryInterval {
		return errors.New("config: query_interval must be positive and query_max must not be below it")
	}
	if p.Retain < 0 {
		return errors.New("config: retain must not be negative")
	}
	if c.TLS.Enabled && (c.TLS.CAFile == "" || c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("config: tls needs ca_file, cert_file and key_file")
	}
	return nil
}

func (c Config) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// AddressBook maps every node id to its address.
func (c Config) AddressBook() map[string]string {
	book := map[string]string{c.Coordinator.ID: c.Coordinator.Address}
	for _, p := range c.Participants {
		book[p.ID] = p.Address
	}
	return book
}

// ListenAddress returns the address this node serves on: node.listen_address
// if set, otherwise its own entry in the address book.
func (c Config) ListenAddress() string {
	if c.Node.ListenAddress != "" {
		return c.Node.ListenAddress
	}
	return c.AddressBook()[c.Node.ID]
}

func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		ID:             c.Coordinator.ID,
		Participants:   c.ParticipantIDs(),
		PrepareTimeout: c.Protocol.PrepareTimeout,
		RetryInitial:   c.Protocol.RetryInitial,
		RetryMax:       c.Protocol.RetryMax,
		SendTimeout:    c.Protocol.SendTimeout,
		ResendRate:     c.Protocol.ResendRate,
		ResendBurst:    c.Protocol.ResendBurst,
		Retain:         c.Protocol.Retain,
	}
}

func (c Config) ParticipantConfig(id string) participant.Config {
	return participant.Config{
		ID:            id,
		CoordinatorID: c.Coordinator.ID,
		QueryInterval: c.Protocol.QueryInterval,
		QueryMax:      c.Protocol.QueryMax,
		SendTimeout:   c.Protocol.SendTimeout,
		Retain:        c.Protocol.Retain,
	}
}
