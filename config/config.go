// Package config loads runtime settings from an optional TOML file and the
// environment. Environment variables win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"

	"github.com/randyvpcode/task-manager/storage"
)

// EnvConfigPath names the variable that locates the TOML file.
const EnvConfigPath = "TASKLIST_CONFIG"

// Auth modes for the HTTP API.
const (
	AuthNone  = "none"
	AuthHS256 = "hs256"
	AuthJWKS  = "jwks"
)

// Config is the complete runtime configuration.
type Config struct {
	Debug bool `toml:"debug"`

	Database Database `toml:"database"`
	Remote   Remote   `toml:"remote"`
	Redis    Redis    `toml:"redis"`
	Server   Server   `toml:"server"`
	Auth     Auth     `toml:"auth"`
	Outbox   Outbox   `toml:"outbox"`
}

type Database struct {
	Name         string   `toml:"name"`
	DataDir      string   `toml:"data_dir"`
	PullInterval Duration `toml:"pull_interval"`
	PullOverlap  Duration `toml:"pull_overlap"`
}

// Remote describes the table service replica. URL may also be a storage
// connection string.
type Remote struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type Redis struct {
	ConnectionString string   `toml:"connection_string"`
	ChannelPrefix    string   `toml:"channel_prefix"`
	DeduperTTL       Duration `toml:"deduper_ttl"`
}

type Server struct {
	ListenAddr  string `toml:"listen_addr"`
	MaxBodySize int64  `toml:"max_body_size"`
}

type Auth struct {
	Mode         string   `toml:"mode"`
	SharedSecret string   `toml:"shared_secret"`
	Domain       string   `toml:"domain"`
	Audience     string   `toml:"audience"`
	JWKSCacheTTL Duration `toml:"jwks_cache_ttl"`
}

type Outbox struct {
	Buffer         int      `toml:"buffer"`
	Workers        int      `toml:"workers"`
	Batch          int      `toml:"batch"`
	FlushInterval  Duration `toml:"flush_interval"`
	PushTimeout    Duration `toml:"push_timeout"`
	HandoffTimeout Duration `toml:"handoff_timeout"`
	RetryInitial   Duration `toml:"retry_initial"`
	RetryMax       Duration `toml:"retry_max"`
	SegmentMB      int      `toml:"segment_mb"`
	SyncEvery      int      `toml:"sync_every"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	ob := storage.DefaultOutboxConfig()
	return Config{
		Database: Database{
			Name:         "tasks",
			DataDir:      "data",
			PullInterval: Duration{30 * time.Second},
			PullOverlap:  Duration{5 * time.Minute},
		},
		Redis:  Redis{ChannelPrefix: storage.DefaultChannelPrefix, DeduperTTL: Duration{24 * time.Hour}},
		Server: Server{ListenAddr: ":8080", MaxBodySize: 64 * 1024},
		Auth:   Auth{Mode: AuthNone, JWKSCacheTTL: Duration{15 * time.Minute}},
		Outbox: Outbox{
			Buffer:         ob.BufferSize,
			Workers:        ob.Workers,
			Batch:          ob.BatchSize,
			FlushInterval:  Duration{ob.FlushInterval},
			PushTimeout:    Duration{ob.PushTimeout},
			HandoffTimeout: Duration{ob.HandoffTimeout},
			RetryInitial:   Duration{ob.RetryInitial},
			RetryMax:       Duration{ob.RetryMax},
			SegmentMB:      int(ob.SegmentBytes / (1024 * 1024)),
			SyncEvery:      ob.SyncEvery,
		},
	}
}

// Load reads the TOML file at path, or the file named by TASKLIST_CONFIG
// when path is empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.Debug = envBool("DEBUG", c.Debug, &errs)

	c.Database.Name = envString("COUCHDB_DB_NAME", c.Database.Name)
	c.Database.DataDir = envString("DATA_DIR", c.Database.DataDir)
	c.Database.PullInterval.Duration = envDur("PULL_INTERVAL", c.Database.PullInterval.Duration, &errs)
	c.Database.PullOverlap.Duration = envDur("PULL_OVERLAP", c.Database.PullOverlap.Duration, &errs)

	c.Remote.URL = envString("REMOTE_URL", c.Remote.URL)
	c.Remote.Username = envString("REMOTE_USERNAME", c.Remote.Username)
	c.Remote.Password = envString("REMOTE_PASSWORD", c.Remote.Password)

	c.Redis.ConnectionString = envString("REDIS_CONNECTION_STRING", c.Redis.ConnectionString)
	c.Redis.ChannelPrefix = envString("CHANGES_CHANNEL_PREFIX", c.Redis.ChannelPrefix)
	c.Redis.DeduperTTL.Duration = envDur("DEDUPER_TTL", c.Redis.DeduperTTL.Duration, &errs)

	c.Server.ListenAddr = envString("LISTEN_ADDR", c.Server.ListenAddr)

	c.Auth.Mode = strings.ToLower(envString("AUTH_MODE", c.Auth.Mode))
	c.Auth.SharedSecret = envString("AUTH_SHARED_SECRET", c.Auth.SharedSecret)
	c.Auth.Domain = envString("AUTH0_DOMAIN", c.Auth.Domain)
	c.Auth.Audience = envString("AUTH0_AUDIENCE", c.Auth.Audience)
	c.Auth.JWKSCacheTTL.Duration = envDur("JWKS_CACHE_TTL", c.Auth.JWKSCacheTTL.Duration, &errs)

	c.Outbox.Buffer = envInt("OUTBOX_BUFFER", c.Outbox.Buffer, &errs)
	c.Outbox.Workers = envInt("OUTBOX_WORKERS", c.Outbox.Workers, &errs)
	c.Outbox.Batch = envInt("OUTBOX_BATCH", c.Outbox.Batch, &errs)
	c.Outbox.FlushInterval.Duration = envDur("OUTBOX_FLUSH_INTERVAL", c.Outbox.FlushInterval.Duration, &errs)
	c.Outbox.PushTimeout.Duration = envDur("OUTBOX_PUSH_TIMEOUT", c.Outbox.PushTimeout.Duration, &errs)
	c.Outbox.HandoffTimeout.Duration = envDur("OUTBOX_HANDOFF_TIMEOUT", c.Outbox.HandoffTimeout.Duration, &errs)
	c.Outbox.RetryInitial.Duration = envDur("OUTBOX_RETRY_INITIAL", c.Outbox.RetryInitial.Duration, &errs)
	c.Outbox.RetryMax.Duration = envDur("OUTBOX_RETRY_MAX", c.Outbox.RetryMax.Duration, &errs)
	c.Outbox.SegmentMB = envInt("OUTBOX_SEGMENT_MB", c.Outbox.SegmentMB, &errs)
	c.Outbox.SyncEvery = envInt("OUTBOX_SYNC_EVERY", c.Outbox.SyncEvery, &errs)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Name) == "" {
		errs = append(errs, errors.New("database name must not be empty"))
	}
	if c.Database.DataDir == "" {
		errs = append(errs, errors.New("data dir must not be empty"))
	}
	if c.Database.PullOverlap.Duration < 0 {
		errs = append(errs, errors.New("pull overlap must not be negative"))
	}
	if c.Remote.Password != "" && c.Remote.Username == "" {
		errs = append(errs, errors.New("remote password set without username"))
	}
	switch c.Auth.Mode {
	case AuthNone, "":
	case AuthHS256:
		if c.Auth.SharedSecret == "" {
			errs = append(errs, errors.New("AUTH_SHARED_SECRET must be set when AUTH_MODE=hs256"))
		}
	case AuthJWKS:
		if c.Auth.Domain == "" || c.Auth.Audience == "" {
			errs = append(errs, errors.New("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when AUTH_MODE=jwks"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported auth mode %q", c.Auth.Mode))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, errors.New("max body size must be greater than zero"))
	}
	if c.Outbox.Workers < 0 || c.Outbox.Batch < 0 || c.Outbox.Buffer < 0 {
		errs = append(errs, errors.New("outbox sizes must not be negative"))
	}
	if c.Redis.DeduperTTL.Duration <= 0 {
		errs = append(errs, errors.New("DEDUPER_TTL must be greater than zero"))
	}
	if c.Redis.ConnectionString != "" {
		if _, err := RedisOptions(c.Redis.ConnectionString); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreOptions converts the configuration into storage options.
func (c Config) StoreOptions() storage.Options {
	return storage.Options{
		DataDir:       c.Database.DataDir,
		PullInterval:  c.Database.PullInterval.Duration,
		PullOverlap:   c.Database.PullOverlap.Duration,
		ChannelPrefix: c.Redis.ChannelPrefix,
		Outbox: storage.OutboxConfig{
			BufferSize:     c.Outbox.Buffer,
			Workers:        c.Outbox.Workers,
			BatchSize:      c.Outbox.Batch,
			FlushInterval:  c.Outbox.FlushInterval.Duration,
			PushTimeout:    c.Outbox.PushTimeout.Duration,
			HandoffTimeout: c.Outbox.HandoffTimeout.Duration,
			RetryInitial:   c.Outbox.RetryInitial.Duration,
			RetryMax:       c.Outbox.RetryMax.Duration,
			SegmentBytes:   int64(c.Outbox.SegmentMB) * 1024 * 1024,
			SyncEvery:      c.Outbox.SyncEvery,
		},
	}
}

// RedisOptions accepts a redis:// URL or the "host:port,password=..,ssl=true"
// form used by managed Redis connection strings.
func RedisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	addr := strings.TrimSpace(parts[0])
	if addr == "" || strings.Contains(addr, "=") {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: addr}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(strings.TrimSpace(kv[1])) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func envDur(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func envBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}
