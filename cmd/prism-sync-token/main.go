// Command prism-sync-token mints HS256 bearer tokens for a server running
// with a shared secret (LOCAL_AUTH_MODE=hs256 or AUTH0_TEST_MODE=1).
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type tokenConfig struct {
	secret   []byte
	audience string
	issuer   string
	ttl      time.Duration
}

func configFromEnv(ttl time.Duration) (tokenConfig, error) {
	cfg := tokenConfig{
		secret:   []byte(os.Getenv("LOCAL_AUTH_SHARED_SECRET")),
		audience: os.Getenv("LOCAL_AUTH_AUDIENCE"),
		issuer:   os.Getenv("LOCAL_AUTH_ISSUER"),
		ttl:      ttl,
	}
	if len(cfg.secret) == 0 {
		cfg.secret = []byte(os.Getenv("TEST_JWT_SECRET"))
	}
	if len(cfg.secret) == 0 {
		return cfg, errors.New("LOCAL_AUTH_SHARED_SECRET or TEST_JWT_SECRET must be set")
	}
	if cfg.ttl <= 0 {
		return cfg, errors.New("ttl must be positive")
	}
	return cfg, nil
}

func (c tokenConfig) sign(userID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(c.ttl).Unix(),
	}
	if c.audience != "" {
		claims["aud"] = c.audience
	}
	if c.issuer != "" {
		claims["iss"] = c.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func userIDs(count int, prefix string, start int, args []string) ([]string, error) {
	if count < 1 {
		return nil, errors.New("count must be at least 1")
	}
	if start < 1 {
		return nil, errors.New("start index must be at least 1")
	}
	if len(args) > 0 && count > 1 {
		return nil, errors.New("explicit user ID cannot be provided when generating multiple tokens")
	}
	switch {
	case len(args) > 0:
		return []string{args[0]}, nil
	case count == 1:
		return []string{prefix}, nil
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return ids, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "dev-user", "user ID, or its prefix when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := configFromEnv(*ttl)
	if err != nil {
		log.Fatal(err)
	}
	ids, err := userIDs(*count, *prefix, *start, flag.Args())
	if err != nil {
		log.Fatal(err)
	}

	now := time.Now()
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if tokens[i], err = cfg.sign(id, now); err != nil {
			log.Fatalf("sign token: %v", err)
		}
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}
