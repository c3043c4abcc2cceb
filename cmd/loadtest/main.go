package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ctf-gg/nerine/internal/loadtest"
)

func main() {
	var cfg loadtest.Config

	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "Deployer base URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "JWT secret (defaults to JWT_SECRET env var)")
	flag.Int64Var(&cfg.ChallengeID, "challenge-id", 1, "Platform challenge id to deploy")
	flag.StringVar(&cfg.Role, "role", "platform", "JWT role claim")
	flag.IntVar(&cfg.Teams, "teams", 500, "Number of teams to simulate")
	flag.IntVar(&cfg.Concurrency, "concurrency", 500, "Number of concurrent workers")
	flag.Int64Var(&cfg.TeamStart, "team-start", 1, "First team id")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 20*time.Second, "HTTP request timeout")
	flag.BoolVar(&cfg.InsecureTLS, "insecure", false, "Skip TLS verification")
	flag.StringVar(&cfg.PhasesCSV, "phases", "deploy,status,destroy", "Comma-separated phases: deploy,status,destroy")
	flag.DurationVar(&cfg.PhasePause, "pause", time.Minute, "Pause between phases")

	flag.Parse()

	if err := loadtest.Run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest error: %v\n", err)
		os.Exit(1)
	}
}
