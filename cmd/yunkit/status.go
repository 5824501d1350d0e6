package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dmmdekkd/yunkit/internal/config"
	"github.com/dmmdekkd/yunkit/internal/tui"
	"github.com/dmmdekkd/yunkit/internal/viewer"
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	watch := fs.Bool("watch", false, "show a live dashboard refreshed every second")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: yunkit status [-watch]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	base := localBaseURL(cfg.BindAddr)

	if *watch {
		if err := tui.Run(ctx, healthProvider(ctx, base)); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// healthProvider polls /healthz for the dashboard.
func healthProvider(ctx context.Context, base string) tui.StatusProvider {
	start := time.Now()
	hc := &http.Client{Timeout: 2 * time.Second}
	return func() tui.Snapshot {
		snap := tui.Snapshot{Watching: time.Since(start)}
		h, err := viewer.FetchHealth(ctx, hc, base)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		snap.Reachable = true
		snap.Status = h.Status
		snap.Records = h.Records
		snap.Capacity = h.Capacity
		snap.Clients = h.Clients
		snap.Tokens = h.Tokens
		snap.PublicIssuance = h.PublicIssuance
		snap.AuditDenies = h.AuditDenyCount
		snap.Issued = h.Activity.TokensIssued
		snap.Rejected = h.Activity.AuthRejected
		snap.Relayed = h.Activity.CommandsRelayed
		snap.RelayFailures = h.Activity.CommandsFailed
		snap.LastCommand = h.Activity.LastCommand
		return snap
	}
}

// localBaseURL turns bind_addr into a URL this host can dial. Unspecified
// hosts (0.0.0.0, ::, empty) become loopback.
func localBaseURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:8000"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
