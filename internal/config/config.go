package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Broadcast media.
const (
	BroadcastMemory = "memory"
	BroadcastRedis  = "redis"
)

const (
	defaultAPIURL         = "http://localhost:3000"
	defaultRenewalMargin  = 5 * time.Minute
	defaultRequestTimeout = 10 * time.Second
	defaultLogoutKey      = "auth:logout-event"
	defaultLogoutChannel  = "auth:logout"
	defaultRedisAddr      = "localhost:6379"
	defaultLogLevel       = "info"
	defaultEnv            = "DEV"
)

type Config interface {
	EnvConfig
	ClientConfig
	BroadcastConfig
	LogConfig
}

type EnvConfig interface {
	GetEnv() string
	GetAppName() string
}

type ClientConfig interface {
	GetAPIURL() string
	GetRenewalMargin() time.Duration
	GetRequestTimeout() time.Duration
	GetFingerprint() string
}

type BroadcastConfig interface {
	GetBroadcast() string
	GetRedisAddr() string
	GetLogoutKey() string
	GetLogoutChannel() string
}

type LogConfig interface {
	GetLogLevel() string
	GetLogFile() string
}

// Static is a Config held in memory. Zero fields fall back to defaults.
type Static struct {
	Env            string        `yaml:"env"`
	AppName        string        `yaml:"app_name"`
	APIURL         string        `yaml:"api_url"`
	RenewalMargin  time.Duration `yaml:"renewal_margin"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Fingerprint    string        `yaml:"fingerprint"`
	Broadcast      string        `yaml:"broadcast"`
	RedisAddr      string        `yaml:"redis_addr"`
	LogoutKey      string        `yaml:"logout_key"`
	LogoutChannel  string        `yaml:"logout_channel"`
	LogLevel       string        `yaml:"log_level"`
	LogFile        string        `yaml:"log_file"`
}

var _ Config = Static{}

// New reads the configuration from the environment.
func New() Config {
	return FromEnv(Static{})
}

// Load reads the YAML file at path, if any, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	var base Static
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "[config.Load] read %s", path)
		}
		if err := yaml.Unmarshal(data, &base); err != nil {
			return nil, errors.Wrapf(err, "[config.Load] parse %s", path)
		}
	}

	cfg := FromEnv(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns base with every set environment variable applied on top.
func FromEnv(base Static) Static {
	base.Env = GetEnv(envVar, base.Env)
	base.AppName = GetEnv(appNameVar, base.AppName)
	base.APIURL = GetEnv(apiURLVar, base.APIURL)
	base.RenewalMargin = GetDuration(renewalMarginVar, base.RenewalMargin)
	base.RequestTimeout = GetDuration(requestTimeoutVar, base.RequestTimeout)
	base.Fingerprint = GetEnv(fingerprintVar, base.Fingerprint)
	base.Broadcast = GetEnv(broadcastVar, base.Broadcast)
	base.RedisAddr = GetEnv(redisAddrVar, base.RedisAddr)
	base.LogoutKey = GetEnv(logoutKeyVar, base.LogoutKey)
	base.LogoutChannel = GetEnv(logoutChannelVar, base.LogoutChannel)
	base.LogLevel = GetEnv(logLevelVar, base.LogLevel)
	base.LogFile = GetEnv(logFileVar, base.LogFile)
	return base
}

// Validate checks the values that cannot fall back to a default.
func (s Static) Validate() error {
	u, err := url.Parse(s.GetAPIURL())
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Errorf("[config.Validate] invalid api url %q", s.GetAPIURL())
	}
	switch s.GetBroadcast() {
	case BroadcastMemory, BroadcastRedis:
	default:
		return errors.Errorf("[config.Validate] unknown broadcast medium %q", s.Broadcast)
	}
	if s.RenewalMargin < 0 || s.RequestTimeout < 0 {
		return errors.New("[config.Validate] durations must not be negative")
	}
	return nil
}

func (s Static) GetEnv() string {
	return strings.ToUpper(or(s.Env, defaultEnv))
}

func (s Static) GetAppName() string {
	return or(s.AppName, "Go Auth Client")
}

func (s Static) GetAPIURL() string {
	return strings.TrimSuffix(or(s.APIURL, defaultAPIURL), "/")
}

func (s Static) GetRenewalMargin() time.Duration {
	if s.RenewalMargin == 0 {
		return defaultRenewalMargin
	}
	return s.RenewalMargin
}

func (s Static) GetRequestTimeout() time.Duration {
	if s.RequestTimeout == 0 {
		return defaultRequestTimeout
	}
	return s.RequestTimeout
}

// GetFingerprint returns the device fingerprint sent as X-Fingerprint. Empty
// disables the header.
func (s Static) GetFingerprint() string {
	return s.Fingerprint
}

func (s Static) GetBroadcast() string {
	return strings.ToLower(or(s.Broadcast, BroadcastMemory))
}

func (s Static) GetRedisAddr() string {
	return or(s.RedisAddr, defaultRedisAddr)
}

func (s Static) GetLogoutKey() string {
	return or(s.LogoutKey, defaultLogoutKey)
}

func (s Static) GetLogoutChannel() string {
	return or(s.LogoutChannel, defaultLogoutChannel)
}

func (s Static) GetLogLevel() string {
	return strings.ToLower(or(s.LogLevel, defaultLogLevel))
}

func (s Static) GetLogFile() string {
	return s.LogFile
}

func or(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
