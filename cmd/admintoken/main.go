// Command admintoken mints a bearer token for the admin API using the
// configured JWT secret.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agentfi/chatpool/internal/auth"
	"github.com/agentfi/chatpool/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	subject := flag.String("subject", "", "operator name recorded in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if s := strings.TrimSpace(cfg.Auth.JWTSecret); s == "" || s == config.InsecureJWTSecret {
		slog.Error("auth.jwt_secret must be set before minting tokens")
		os.Exit(1)
	}

	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	token, err := auth.NewService(cfg.Auth.JWTSecret, lifetime).IssueToken(*subject)
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires in %s\n", lifetime.Round(time.Second))
}
