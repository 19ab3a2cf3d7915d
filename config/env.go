package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides settings from MADONNA_* variables and the REDIS_*
// variables shared with the socket server.
func (c *Config) ApplyEnv() {
	setString(&c.Log.Level, "MADONNA_LOG_LEVEL")
	setBool(&c.Log.Pretty, "MADONNA_LOG_PRETTY")

	setString(&c.Realtime.Transport, "MADONNA_REALTIME_TRANSPORT")
	setString(&c.Realtime.URL, "MADONNA_REALTIME_URL")
	setString(&c.Realtime.SendURL, "MADONNA_REALTIME_SEND_URL")
	setString(&c.Realtime.Backoff, "MADONNA_REALTIME_BACKOFF")
	setDuration(&c.Realtime.ReconnectDelay, "MADONNA_REALTIME_RECONNECT_DELAY")
	setInt(&c.Realtime.MaxAttempts, "MADONNA_REALTIME_MAX_ATTEMPTS")

	setDuration(&c.Session.CheckTimeout, "MADONNA_SESSION_CHECK_TIMEOUT")
	setDuration(&c.Session.KickoffTimeout, "MADONNA_SESSION_KICKOFF_TIMEOUT")
	setInt(&c.Session.KickoffRetries, "MADONNA_SESSION_KICKOFF_RETRIES")
	setBool(&c.Session.Persist, "MADONNA_SESSION_PERSIST")

	setString(&c.Auth.TokenStore, "MADONNA_AUTH_TOKEN_STORE")
	setString(&c.Auth.Token, "MADONNA_ID_TOKEN")
	setString(&c.Auth.TokenFile, "MADONNA_ID_TOKEN_FILE")
	setString(&c.Auth.Secret, "MADONNA_AUTH_SECRET")
	setString(&c.Auth.Issuer, "MADONNA_AUTH_ISSUER")

	setString(&c.Kickoff.URL, "MADONNA_KICKOFF_URL")
	setString(&c.HTTP.Addr, "MADONNA_HTTP_ADDR")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Redis.Prefix, "REDIS_WS_PREFIX")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Unparseable values are ignored and the current setting is kept.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
