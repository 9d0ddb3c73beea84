package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PlatformConfig is the connection block of one platform.
type PlatformConfig struct {
	Enabled         *bool  `toml:"enabled"`
	BaseURL         string `toml:"base_url"`
	Token           string `toml:"token"`
	AdminUser       string `toml:"admin_user"`
	AdminPassword   string `toml:"admin_password"`
	CredentialsFile string `toml:"credentials_file"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// Active reports whether the platform should be registered: explicitly enabled,
// or implicitly by having an endpoint / credentials file configured.
func (p PlatformConfig) Active() bool {
	if p.Enabled != nil {
		return *p.Enabled
	}
	return p.BaseURL != "" || p.CredentialsFile != ""
}

// Timeout returns the per-call timeout, falling back to def.
func (p PlatformConfig) Timeout(def time.Duration) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return def
}

type platformsFile struct {
	GitLab     PlatformConfig `toml:"gitlab"`
	Mattermost PlatformConfig `toml:"mattermost"`
	Nextcloud  PlatformConfig `toml:"nextcloud"`
	Drive      PlatformConfig `toml:"drive"`
}

type Config struct {
	Port     string
	GRPCPort string

	Store              string // mysql | memory
	MySQLAddr          string
	RedisAddr          string
	RedisSentinelAddrs []string
	RedisMasterName    string
	RocketMQNameServer string

	EnableTracing   bool
	CollectorAddr   string
	DisableProfiler bool

	RetryMax           int
	RetryBackoff       time.Duration
	LockTTL            time.Duration
	CleanupInterval    time.Duration
	CleanupMaxAttempts int
	PlatformTimeout    time.Duration

	GitLab     PlatformConfig
	Mattermost PlatformConfig
	Nextcloud  PlatformConfig
	Drive      PlatformConfig
}

// Load reads .env (if present), the optional TOML platforms file named by
// PLATFORMS_CONFIG, and the process environment. Environment wins.
func Load(log *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, pkgerrors.Wrap(err, "load .env")
	}
	return load(os.Getenv, log)
}

func load(getenv func(string) string, log *logrus.Logger) (*Config, error) {
	env := envReader{getenv: getenv, log: log}

	cfg := &Config{
		Port:               env.str("PORT", "8080"),
		GRPCPort:           env.str("GRPC_PORT", "50051"),
		Store:              strings.ToLower(env.str("STORE", "mysql")),
		MySQLAddr:          env.str("MYSQL_ADDR", "root:root_password@tcp(127.0.0.1:3307)/provisioning_db?parseTime=true"),
		RedisAddr:          getenv("REDIS_ADDR"),
		RedisSentinelAddrs: splitList(getenv("REDIS_SENTINEL_ADDRS")),
		RedisMasterName:    env.str("REDIS_MASTER_NAME", "mymaster"),
		RocketMQNameServer: getenv("ROCKETMQ_NAMESERVER"),
		EnableTracing:      getenv("ENABLE_TRACING") == "1",
		CollectorAddr:      getenv("COLLECTOR_SERVICE_ADDR"),
		DisableProfiler:    getenv("DISABLE_PROFILER") != "",
	}
	if cfg.Store != "mysql" && cfg.Store != "memory" {
		return nil, pkgerrors.Errorf("STORE must be mysql or memory, got %q", cfg.Store)
	}

	var err error
	if cfg.RetryMax, err = env.integer("RETRY_MAX", 2); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = env.duration("RETRY_BACKOFF_MS", 200, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = env.duration("LOCK_TTL_SECONDS", 120, time.Second); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = env.duration("CLEANUP_INTERVAL_SECONDS", 60, time.Second); err != nil {
		return nil, err
	}
	if cfg.CleanupMaxAttempts, err = env.integer("CLEANUP_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.PlatformTimeout, err = env.duration("PLATFORM_TIMEOUT_SECONDS", 5, time.Second); err != nil {
		return nil, err
	}

	var file platformsFile
	if path := getenv("PLATFORMS_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, pkgerrors.Wrapf(err, "parse platforms config %s", path)
		}
		log.Infof("loaded platform connections from %s", path)
	}
	cfg.GitLab = file.GitLab
	cfg.Mattermost = file.Mattermost
	cfg.Nextcloud = file.Nextcloud
	cfg.Drive = file.Drive

	override(&cfg.GitLab.BaseURL, getenv("GITLAB_API_BASE"))
	override(&cfg.GitLab.Token, getenv("GITLAB_TOKEN"))
	override(&cfg.Mattermost.BaseURL, getenv("MATTERMOST_URL"))
	override(&cfg.Mattermost.Token, getenv("MATTERMOST_TOKEN"))
	override(&cfg.Nextcloud.BaseURL, getenv("NEXTCLOUD_BASE_URL"))
	override(&cfg.Nextcloud.AdminUser, getenv("ADMIN_USERNAME"))
	override(&cfg.Nextcloud.AdminPassword, getenv("ADMIN_PASSWORD"))
	override(&cfg.Drive.CredentialsFile, getenv("SERVICE_ACCOUNT_FILE"))

	return cfg, nil
}

type envReader struct {
	getenv func(string) string
	log    *logrus.Logger
}

func (e envReader) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	e.log.Infof("%s is not set, using default %q", key, redactDSN(key, def))
	return def
}

func (e envReader) integer(key string, def int) (int, error) {
	v := e.getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, pkgerrors.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func (e envReader) duration(key string, def int, unit time.Duration) (time.Duration, error) {
	n, err := e.integer(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func override(target *string, v string) {
	if v != "" {
		*target = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func redactDSN(key, v string) string {
	if key != "MYSQL_ADDR" {
		return v
	}
	if at := strings.LastIndex(v, "@"); at >= 0 {
		return "***" + v[at:]
	}
	return v
}
