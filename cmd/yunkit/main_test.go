package main

import (
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/config"
	"github.com/dmmdekkd/yunkit/internal/logstream"
)

func TestParseDotEnv(t *testing.T) {
	t.Setenv("YUNKIT_TEST_KEEP", "from-env")
	t.Setenv("YUNKIT_TEST_NEW", "")
	t.Setenv("YUNKIT_TEST_QUOTED", "")
	os.Unsetenv("YUNKIT_TEST_NEW")
	os.Unsetenv("YUNKIT_TEST_QUOTED")

	parseDotEnv(strings.NewReader(`
# comment
YUNKIT_TEST_KEEP=from-file
YUNKIT_TEST_NEW = value
YUNKIT_TEST_QUOTED="quoted value"
=novalue
garbage
`))

	if got := os.Getenv("YUNKIT_TEST_KEEP"); got != "from-env" {
		t.Fatalf("existing env overwritten: %q", got)
	}
	if got := os.Getenv("YUNKIT_TEST_NEW"); got != "value" {
		t.Fatalf("YUNKIT_TEST_NEW = %q, want value", got)
	}
	if got := os.Getenv("YUNKIT_TEST_QUOTED"); got != "quoted value" {
		t.Fatalf("YUNKIT_TEST_QUOTED = %q, want quoted value", got)
	}
}

type fakeReloadTarget struct {
	public bool
	users  []string
}

func (f *fakeReloadTarget) SetPublicIssuance(on bool) { f.public = on }
func (f *fakeReloadTarget) SetUsers(users []string)   { f.users = users }

func TestApplyReload(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicConfigReloaded)
	defer b.Unsubscribe(sub)

	next := config.Config{AllowPublicTokenIssuance: true, Users: []string{"admin", "ops"}}
	target := &fakeReloadTarget{}
	applyReload(target, b, next)

	if !target.public {
		t.Fatal("public issuance not applied")
	}
	if strings.Join(target.users, ",") != "admin,ops" {
		t.Fatalf("users = %v", target.users)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload != next.Fingerprint() {
			t.Fatalf("payload = %v, want %s", ev.Payload, next.Fingerprint())
		}
	case <-time.After(time.Second):
		t.Fatal("no config.reloaded event")
	}
}

func TestParseTailFlags(t *testing.T) {
	t.Setenv("YUNKIT_TOKEN", "env-token")

	f, err := parseTailFlags(nil, "http://127.0.0.1:8000")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if f.url != "http://127.0.0.1:8000" || f.token != "env-token" || f.level != logstream.LevelTrace || f.lines != 100 {
		t.Fatalf("defaults = %+v", f)
	}

	f, err = parseTailFlags([]string{"-url", "http://h:1", "-token", "t", "-level", "WARNING", "-lines", "20"}, "")
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	if f.url != "http://h:1" || f.token != "t" || f.level != logstream.LevelWarn || f.lines != 20 {
		t.Fatalf("flags = %+v", f)
	}

	if _, err := parseTailFlags([]string{"-level", "loud"}, ""); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := parseTailFlags([]string{"extra"}, ""); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(os.ErrNotExist) {
		t.Fatal("ErrNotExist reported as address in use")
	}
}

func TestPortOccupantHint_NoLsof(t *testing.T) {
	prev := execCommandFunc
	execCommandFunc = newExecCommandMissing
	defer func() { execCommandFunc = prev }()

	hint := portOccupantHint("127.0.0.1:8000")
	if !strings.Contains(hint, "Port 8000 is already in use") {
		t.Fatalf("hint = %q", hint)
	}
	if hint := portOccupantHint("bad"); !strings.Contains(hint, "bad") {
		t.Fatalf("hint = %q", hint)
	}
}

func newExecCommandMissing(string, ...string) *exec.Cmd {
	return exec.Command("yunkit-test-no-such-binary")
}
