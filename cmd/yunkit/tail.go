package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dmmdekkd/yunkit/internal/config"
	"github.com/dmmdekkd/yunkit/internal/logstream"
	"github.com/dmmdekkd/yunkit/internal/telemetry"
	"github.com/dmmdekkd/yunkit/internal/tui"
	"github.com/dmmdekkd/yunkit/internal/viewer"
)

type tailFlags struct {
	url   string
	token string
	level logstream.Level
	lines int
}

func parseTailFlags(args []string, defaultURL string) (tailFlags, error) {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	url := fs.String("url", defaultURL, "gateway base URL")
	token := fs.String("token", os.Getenv("YUNKIT_TOKEN"), "viewer token (default $YUNKIT_TOKEN)")
	level := fs.String("level", string(logstream.LevelTrace), "minimum severity to show")
	lines := fs.Int("lines", viewer.DefaultMaxLines, "records kept on screen")
	if err := fs.Parse(args); err != nil {
		return tailFlags{}, err
	}
	if fs.NArg() != 0 {
		return tailFlags{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	lvl, ok := logstream.ParseLevel(*level)
	if !ok {
		return tailFlags{}, fmt.Errorf("unknown level %q", *level)
	}
	return tailFlags{url: *url, token: *token, level: lvl, lines: *lines}, nil
}

func runTailCommand(ctx context.Context, args []string) int {
	defaultURL := "http://127.0.0.1:8000"
	if cfg, err := config.Load(); err == nil {
		defaultURL = localBaseURL(cfg.BindAddr)
	}
	f, err := parseTailFlags(args, defaultURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: yunkit tail [-url URL] [-token TOKEN] [-level LEVEL] [-lines N]\n", err)
		return 2
	}

	interactive := isInteractive(os.Stdout)
	// The full-screen view owns the terminal, so client warnings only go
	// to stderr in plain mode.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if !interactive {
		logger = slog.New(telemetry.NewHandler(os.Stderr, "warn"))
	}

	client, err := viewer.New(viewer.Options{
		BaseURL:  f.url,
		Token:    f.token,
		MaxLines: f.lines,
		MinLevel: f.level,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tail: %v\n", err)
		return 2
	}

	if interactive {
		err = tui.RunTail(ctx, client, true)
	} else {
		err = tui.RunPlain(ctx, client, os.Stdout)
	}
	switch {
	case errors.Is(err, viewer.ErrUnauthenticated):
		fmt.Fprintln(os.Stderr, "tail: token missing or rejected; get one with `yunkit token <user>` and pass -token")
		return 1
	case err != nil && ctx.Err() == nil:
		fmt.Fprintf(os.Stderr, "tail: %v\n", err)
		return 1
	}
	return 0
}
