package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node:
  id: B
logger:
  level: warn
  format: console
protocol:
  prepare_timeout: 750ms
  retry_initial: 50ms
  retry_max: 1s
  query_interval: 200ms
  query_max: 2s
log:
  backend: bolt
  dir: /var/lib/gojotxn
coordinator:
  id: coord
  address: 10.0.0.1:7400
participants:
  - id: A
    address: 10.0.0.2:7401
  - id: B
    address: 10.0.0.3:7401
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojotxn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.ParticipantIDs())
	assert.Equal(t, "file", cfg.Log.Backend)
}

func TestLoad_YAMLThenEnvironment(t *testing.T) {
	t.Setenv("GOJOTXN_LOG_LEVEL", "debug")
	t.Setenv("GOJOTXN_RESEND_BURST", "7")
	t.Setenv("GOJOTXN_RETAIN", "500")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level, "environment wins over the file")
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, 7, cfg.Protocol.ResendBurst)
	assert.Equal(t, 750*time.Millisecond, cfg.Protocol.PrepareTimeout)
	assert.Equal(t, "bolt", cfg.Log.Backend)

	cc := cfg.CoordinatorConfig()
	assert.Equal(t, "coord", cc.ID)
	assert.Equal(t, []string{"A", "B"}, cc.Participants)
	assert.Equal(t, 50*time.Millisecond, cc.RetryInitial)

	pc := cfg.ParticipantConfig("B")
	assert.Equal(t, "coord", pc.CoordinatorID)
	assert.Equal(t, 200*time.Millisecond, pc.QueryInterval)
	assert.Equal(t, 500, pc.Retain)
	assert.Equal(t, 500, cc.Retain)

	assert.Equal(t, "10.0.0.3:7401", cfg.ListenAddress())
	assert.Equal(t, map[string]string{
		"coord": "10.0.0.1:7400",
		"A":     "10.0.0.2:7401",
		"B":     "10.0.0.3:7401",
	}, cfg.AddressBook())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "protocol: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no participants":    func(c *Config) { c.Participants = nil },
		"duplicate id":       func(c *Config) { c.Participants[1].ID = "A" },
		"coordinator reused": func(c *Config) { c.Participants[0].ID = c.Coordinator.ID },
		"unknown node":       func(c *Config) { c.Node.ID = "Z" },
		"unknown backend":    func(c *Config) { c.Log.Backend = "tape" },
		"retry cap too low":  func(c *Config) { c.Protocol.RetryMax = time.Millisecond },
		"tls without files":  func(c *Config) { c.TLS.Enabled = true },
		"negative retain":    func(c *Config) { c.Protocol.Retain = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_SampleClusterFile(t *testing.T) {
	cfg, err := Load("cluster.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.ParticipantIDs())
	assert.Equal(t, "127.0.0.1:7402", cfg.AddressBook()["B"])
	assert.Equal(t, "file", cfg.Log.Backend)
	assert.Equal(t, 2*time.Second, cfg.Protocol.PrepareTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.CoordinatorConfig().RetryInitial)
}
