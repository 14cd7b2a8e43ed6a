package config

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	envVar            = "ENV"
	appNameVar        = "APP_NAME"
	apiURLVar         = "AUTH_API_URL"
	renewalMarginVar  = "AUTH_RENEW_MARGIN"
	requestTimeoutVar = "AUTH_REQUEST_TIMEOUT"
	fingerprintVar    = "AUTH_FINGERPRINT"
	broadcastVar      = "AUTH_BROADCAST"
	redisAddrVar      = "AUTH_REDIS_ADDR"
	logoutKeyVar      = "AUTH_LOGOUT_KEY"
	logoutChannelVar  = "AUTH_LOGOUT_CHANNEL"
	logLevelVar       = "LOG_LEVEL"
	logFileVar        = "LOG_FILE"
)

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetDuration parses envVar with time.ParseDuration. Unparsable values are
// logged and ignored.
func GetDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Err(err).Str("var", envVar).Msg("ignoring invalid duration")
		return defaultValue
	}
	return d
}
