package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dmmdekkd/yunkit/internal/config"
	"github.com/dmmdekkd/yunkit/internal/cron"
	"github.com/dmmdekkd/yunkit/internal/persistence"
	"github.com/dmmdekkd/yunkit/web"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// telegramHost is resolved by the network check when the bot is enabled.
var telegramHost = "api.telegram.org"

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkTokenFile,
		checkFrontend,
		checkSchedule,
		checkListener,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.LogDirPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and log directories writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	path := persistence.DefaultDBPath(cfg.HomeDir)
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err), Detail: path}
	}
	defer store.Close()

	cmds, err := store.ListCommands(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	msg := "Connection and schema valid"
	if len(cmds) > 0 {
		msg += fmt.Sprintf(", last command %s at %s", cmds[0].Method, cmds[0].CreatedAt.Format(time.DateTime))
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: msg, Detail: path}
}

func checkTokenFile(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Token File", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.TokenFilePath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Token File", Status: StatusPass, Message: "No tokens issued yet", Detail: path}
	}
	if err != nil {
		return CheckResult{Name: "Token File", Status: StatusFail, Message: fmt.Sprintf("Unreadable: %v", err), Detail: path}
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return CheckResult{
			Name:    "Token File",
			Status:  StatusWarn,
			Message: "Corrupt token file; the gateway will start with no tokens",
			Detail:  fmt.Sprintf("%s: %v", path, err),
		}
	}
	return CheckResult{Name: "Token File", Status: StatusPass, Message: fmt.Sprintf("%d tokens on disk", len(entries)), Detail: path}
}

func checkFrontend(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Frontend", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.FrontendDir == "" {
		if _, err := fs.Stat(web.Assets(), "index.html"); err != nil {
			return CheckResult{Name: "Frontend", Status: StatusFail, Message: "Embedded viewer bundle has no index.html"}
		}
		return CheckResult{Name: "Frontend", Status: StatusPass, Message: "Using embedded viewer bundle"}
	}
	if _, err := os.Stat(filepath.Join(cfg.FrontendDir, "index.html")); err != nil {
		return CheckResult{Name: "Frontend", Status: StatusFail, Message: fmt.Sprintf("frontend_dir has no index.html: %v", err), Detail: cfg.FrontendDir}
	}
	return CheckResult{Name: "Frontend", Status: StatusPass, Message: "Serving frontend_dir", Detail: cfg.FrontendDir}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Retention", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.RetentionSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Retention", Status: StatusFail, Message: fmt.Sprintf("Invalid retention_schedule %q: %v", cfg.RetentionSchedule, err)}
	}
	if cfg.RetentionDays <= 0 {
		return CheckResult{Name: "Retention", Status: StatusPass, Message: "Log files kept forever (retention_days = 0)"}
	}
	return CheckResult{
		Name:    "Retention",
		Status:  StatusPass,
		Message: fmt.Sprintf("Keeping %d days, next sweep %s", cfg.RetentionDays, next.Format(time.DateTime)),
	}
}

// checkListener tries to bind bind_addr. A busy port usually means the
// gateway is already running, so it only warns.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Cannot bind %s (gateway already running?)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func checkTelegram(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Channel disabled; relayed commands will be rejected"}
	}
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Channel enabled but token is missing", Detail: "Set channels.telegram.token or TELEGRAM_TOKEN"}
	}
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "allowed_ids is empty; nobody can use the login command"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, telegramHost)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telegram",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", telegramHost, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", telegramHost, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("allowed_ids=%v", tg.AllowedIDs),
	}
}
