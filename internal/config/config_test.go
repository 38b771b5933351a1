package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/certledger/internal/config"
)

func TestLoad_defaults(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) }) //nolint:errcheck

	cfg, found, err := config.Load(config.New(""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if found {
		t.Error("expected no config file")
	}
	if cfg.StoreDriver != config.DriverMemory {
		t.Errorf("StoreDriver: got %q", cfg.StoreDriver)
	}
	if cfg.Server.Port != 8080 || cfg.GRPCPort != 9090 {
		t.Errorf("ports: %d %d", cfg.Server.Port, cfg.GRPCPort)
	}
	if cfg.Append.MaxRetries != 8 || cfg.Append.BaseBackoff != 5*time.Millisecond || cfg.Append.MaxBackoff != 250*time.Millisecond {
		t.Errorf("append: %+v", cfg.Append)
	}
	if !cfg.Admission.Enabled || cfg.Admission.RejectScore != 20 {
		t.Errorf("admission: %+v", cfg.Admission)
	}
	if cfg.Kafka.Enabled || cfg.CheckpointInterval != 0 {
		t.Errorf("optional subsystems enabled by default: %+v %v", cfg.Kafka, cfg.CheckpointInterval)
	}
	if cfg.Kafka.RetryDelay != time.Second || cfg.Kafka.MaxRetryDelay != 30*time.Second {
		t.Errorf("kafka retry: %v %v", cfg.Kafka.RetryDelay, cfg.Kafka.MaxRetryDelay)
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgerd.yaml")
	yaml := `
server:
  port: 9000
  cors_origins: ["https://audit.example.com"]
store:
  driver: sqlite
sqlite:
  path: /var/lib/certledger/ledger.db
append:
  max_retries: 3
checkpoint:
  interval: 10m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("ADMISSION_REJECT_SCORE", "50")

	cfg, found, err := config.Load(config.New(path))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !found {
		t.Error("config file not read")
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("env override: port %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://audit.example.com" {
		t.Errorf("cors: %v", cfg.Server.CORSOrigins)
	}
	if cfg.StoreDriver != config.DriverSQLite || cfg.SQLitePath != "/var/lib/certledger/ledger.db" {
		t.Errorf("store: %q %q", cfg.StoreDriver, cfg.SQLitePath)
	}
	if cfg.Append.MaxRetries != 3 || cfg.Admission.RejectScore != 50 {
		t.Errorf("append/admission: %+v %+v", cfg.Append, cfg.Admission)
	}
	if cfg.CheckpointInterval != 10*time.Minute {
		t.Errorf("checkpoint interval: %v", cfg.CheckpointInterval)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			StoreDriver: config.DriverMemory,
			Append:      config.Append{MaxRetries: 8, BaseBackoff: time.Millisecond, MaxBackoff: time.Second},
		}
	}

	cases := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.StoreDriver = "mysql" }},
		{"postgres without url", func(c *config.Config) { c.StoreDriver = config.DriverPostgres }},
		{"sqlite without path", func(c *config.Config) { c.StoreDriver = config.DriverSQLite }},
		{"negative retries", func(c *config.Config) { c.Append.MaxRetries = -1 }},
		{"inverted backoff", func(c *config.Config) { c.Append.MaxBackoff = 0 }},
		{"kafka without topic", func(c *config.Config) { c.Kafka = config.Kafka{Enabled: true, Brokers: []string{"b:9092"}} }},
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
