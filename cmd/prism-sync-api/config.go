package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"prism-sync/api"
)

const defaultCacheTTL = 10 * time.Minute

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

// redisOptions accepts either a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

// authConfigFromEnv resolves the token verification mode. Shared-secret
// modes leave JWKS unset; the caller fetches keys for Auth0.
func authConfigFromEnv() (api.AuthConfig, error) {
	ttl, err := envDur("JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL)
	if err != nil {
		return api.AuthConfig{}, err
	}
	cfg := api.AuthConfig{KeyCacheTTL: ttl}

	switch {
	case strings.EqualFold(os.Getenv("LOCAL_AUTH_MODE"), "hs256"):
		secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			return cfg, errors.New("LOCAL_AUTH_SHARED_SECRET is required when LOCAL_AUTH_MODE=hs256")
		}
		cfg.SharedSecret = []byte(secret)
		cfg.Audience = os.Getenv("LOCAL_AUTH_AUDIENCE")
		cfg.Issuer = os.Getenv("LOCAL_AUTH_ISSUER")
	case os.Getenv("AUTH0_TEST_MODE") == "1":
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			return cfg, errors.New("TEST_JWT_SECRET is required when AUTH0_TEST_MODE=1")
		}
		cfg.SharedSecret = []byte(secret)
	default:
		domain := os.Getenv("AUTH0_DOMAIN")
		audience := os.Getenv("AUTH0_AUDIENCE")
		if domain == "" || audience == "" {
			return cfg, errors.New("missing Auth0 config")
		}
		cfg.Audience = audience
		cfg.Issuer = "https://" + domain + "/"
	}
	return cfg, nil
}
