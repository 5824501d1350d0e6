package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dmmdekkd/yunkit/internal/audit"
	"github.com/dmmdekkd/yunkit/internal/config"
	"github.com/dmmdekkd/yunkit/internal/gateway"
	"github.com/dmmdekkd/yunkit/internal/telemetry"
	"github.com/dmmdekkd/yunkit/internal/tokens"
)

// runTokenCommand issues a token straight into the token file. A running
// daemon picks it up on the next verify miss.
func runTokenCommand(w io.Writer, args []string) int {
	if len(args) != 1 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: yunkit token <user>")
		return 2
	}
	username := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if !cfg.HasUser(username) {
		fmt.Fprintf(os.Stderr, "unknown user %q (configured: %v)\n", username, cfg.Users)
		return 1
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	store := tokens.Open(tokens.Config{
		Path:   cfg.TokenFilePath(),
		TTL:    cfg.TokenTTL(),
		Logger: slog.New(telemetry.NewHandler(os.Stderr, "warn")),
	})
	token, expires, err := store.Issue(username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		return 1
	}
	audit.Record(audit.Event{Decision: audit.Allow, Action: "token.issue", Reason: "cli", Subject: username})

	fmt.Fprintln(w, gateway.LoginURL(cfg.BaseURL(), token))
	fmt.Fprintf(w, "token:   %s\nexpires: %s\n", token, expires.Local().Format(time.DateTime))
	return 0
}

func isHelpArg(raw string) bool {
	switch raw {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}
