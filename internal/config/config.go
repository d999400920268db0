// Package config loads register settings from an optional YAML file, a .env
// file and STALLPOS_* / DB_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stallpos/internal/remote"
)

type RemoteConfig struct {
	// Mode is mysql, memory or off.
	Mode         string `yaml:"mode"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	// HealthURL feeds the connectivity prober when set.
	HealthURL string `yaml:"health_url"`
}

type KafkaConfig struct {
	Bootstrap       string `yaml:"bootstrap"`
	ChangeTopic     string `yaml:"change_topic"`
	ChangeGroup     string `yaml:"change_group"`
	JournalTopic    string `yaml:"journal_topic"`
	TransactionalID string `yaml:"transactional_id"`
	ManifestTopic   string `yaml:"manifest_topic"`
}

type JournalConfig struct {
	// Sink is file, kafka, both, tx or off.
	Sink string `yaml:"sink"`
	File string `yaml:"file"`
}

type SyncConfig struct {
	LongPeriod     time.Duration `yaml:"long_period"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	VisitorPeriod  time.Duration `yaml:"visitor_period"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BackupInterval time.Duration `yaml:"backup_interval"`
	BucketMinutes  int           `yaml:"bucket_minutes"`
	KeepSynced     bool          `yaml:"keep_synced"`
}

type Config struct {
	BranchID  string `yaml:"branch_id"`
	DataDir   string `yaml:"data_dir"`
	Store     string `yaml:"store"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	HTTPAddr  string `yaml:"http_addr"`

	// CORSOrigins limits browser callers of the register API. Empty allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	Remote  RemoteConfig  `yaml:"remote"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Journal JournalConfig `yaml:"journal"`
	Sync    SyncConfig    `yaml:"sync"`
}

func Default() Config {
	return Config{
		DataDir:   "./data",
		Store:     "pebble",
		LogLevel:  "info",
		LogFormat: "json",
		HTTPAddr:  ":8080",
		Remote:    RemoteConfig{Mode: "off", Port: "3306", MaxOpenConns: 10, MaxIdleConns: 5},
		Kafka: KafkaConfig{
			ChangeTopic:   "pos.changes",
			ChangeGroup:   "posd",
			JournalTopic:  "pos.journal",
			ManifestTopic: "pos.manifest",
		},
		Journal: JournalConfig{Sink: "file", File: "journal.jsonl"},
		Sync: SyncConfig{
			LongPeriod:     time.Hour,
			RetryDelay:     30 * time.Second,
			VisitorPeriod:  15 * time.Minute,
			PollInterval:   15 * time.Second,
			BackupInterval: 30 * time.Minute,
			BucketMinutes:  15,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the environment and then overrides, validating the result.
// A .env file in the working directory is loaded first if present.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("STALLPOS_BRANCH_ID", &c.BranchID)
	str("STALLPOS_DATA_DIR", &c.DataDir)
	str("STALLPOS_STORE", &c.Store)
	str("STALLPOS_LOG_LEVEL", &c.LogLevel)
	str("STALLPOS_LOG_FORMAT", &c.LogFormat)
	str("STALLPOS_HTTP_ADDR", &c.HTTPAddr)
	str("STALLPOS_REMOTE", &c.Remote.Mode)
	str("STALLPOS_HEALTH_URL", &c.Remote.HealthURL)
	str("DB_HOST", &c.Remote.Host)
	str("DB_PORT", &c.Remote.Port)
	str("DB_USER", &c.Remote.User)
	str("DB_PASSWORD", &c.Remote.Password)
	str("DB_NAME", &c.Remote.Name)
	str("STALLPOS_KAFKA_BOOTSTRAP", &c.Kafka.Bootstrap)
	str("STALLPOS_CHANGE_TOPIC", &c.Kafka.ChangeTopic)
	str("STALLPOS_JOURNAL_TOPIC", &c.Kafka.JournalTopic)
	str("STALLPOS_TRANSACTIONAL_ID", &c.Kafka.TransactionalID)
	str("STALLPOS_MANIFEST_TOPIC", &c.Kafka.ManifestTopic)
	str("STALLPOS_JOURNAL_SINK", &c.Journal.Sink)
	if v, ok := lookup("STALLPOS_CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.CORSOrigins = splitAndTrim(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DB_MAX_OPEN_CONNS", &c.Remote.MaxOpenConns},
		{"DB_MAX_IDLE_CONNS", &c.Remote.MaxIdleConns},
		{"STALLPOS_BUCKET_MINUTES", &c.Sync.BucketMinutes},
	}
	for _, it := range ints {
		if v, ok := lookup(it.key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STALLPOS_LONG_PERIOD", &c.Sync.LongPeriod},
		{"STALLPOS_RETRY_DELAY", &c.Sync.RetryDelay},
		{"STALLPOS_VISITOR_PERIOD", &c.Sync.VisitorPeriod},
		{"STALLPOS_POLL_INTERVAL", &c.Sync.PollInterval},
		{"STALLPOS_BACKUP_INTERVAL", &c.Sync.BackupInterval},
	}
	for _, it := range durations {
		if v, ok := lookup(it.key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = d
		}
	}

	if v, ok := lookup("STALLPOS_KEEP_SYNCED"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("STALLPOS_KEEP_SYNCED: %w", err)
		}
		c.Sync.KeepSynced = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.BranchID == "" {
		errs = append(errs, errors.New("branch_id is required"))
	}
	switch c.Store {
	case "pebble", "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("store must be pebble, badger or memory, got %q", c.Store))
	}
	switch c.Remote.Mode {
	case "off", "memory":
	case "mysql":
		if c.Remote.Host == "" || c.Remote.Name == "" {
			errs = append(errs, errors.New("remote mysql needs DB_HOST and DB_NAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote mode must be mysql, memory or off, got %q", c.Remote.Mode))
	}
	switch c.Journal.Sink {
	case "off", "file":
	case "kafka", "both", "tx":
		if c.Kafka.Bootstrap == "" {
			errs = append(errs, fmt.Errorf("journal sink %q needs kafka bootstrap", c.Journal.Sink))
		}
		if c.Journal.Sink == "tx" && c.Kafka.TransactionalID == "" {
			errs = append(errs, errors.New("journal sink tx needs a transactional id"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal sink %q", c.Journal.Sink))
	}
	if c.Sync.BucketMinutes <= 0 || 60%c.Sync.BucketMinutes != 0 {
		errs = append(errs, fmt.Errorf("bucket_minutes must divide 60, got %d", c.Sync.BucketMinutes))
	}
	if c.Sync.RetryDelay <= 0 || c.Sync.LongPeriod <= 0 {
		errs = append(errs, errors.New("sync periods must be positive"))
	}
	return errors.Join(errs...)
}

// DB returns the remote connection settings.
func (c Config) DB() remote.DBConfig {
	return remote.DBConfig{
		Host:            c.Remote.Host,
		Port:            c.Remote.Port,
		User:            c.Remote.User,
		Password:        c.Remote.Password,
		Name:            c.Remote.Name,
		MaxOpenConns:    c.Remote.MaxOpenConns,
		MaxIdleConns:    c.Remote.MaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c Config) StoreDir() string    { return filepath.Join(c.DataDir, "store") }
func (c Config) SnapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }
func (c Config) JournalDir() string  { return filepath.Join(c.DataDir, "journal") }

func splitAndTrim(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
