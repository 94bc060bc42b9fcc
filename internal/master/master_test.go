package master

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/logging"
)

func TestParseSlot(t *testing.T) {
	slot, err := ParseSlot("outgoing:3:4")
	if err != nil {
		t.Fatalf("ParseSlot() error = %v", err)
	}
	if slot.Name != "outgoing" || slot.Slice != 3 || slot.NumSlices != 4 {
		t.Errorf("ParseSlot() = %+v", slot)
	}
	if slot.String() != "outgoing:3:4" {
		t.Errorf("String() = %s", slot.String())
	}

	for _, bad := range []string{"outgoing", "outgoing:1", "outgoing:4:4", "outgoing:-1:4", "outgoing:a:b"} {
		if _, err := ParseSlot(bad); err == nil {
			t.Errorf("ParseSlot(%q) succeeded", bad)
		}
	}
}

func TestCheckUserWrongAccount(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Master.User = "no-such-listserver-account"
	m := New(cfg, logging.Default())

	err := m.checkUser()
	if err == nil {
		t.Fatal("checkUser() accepted a nonexistent account")
	}
	if !errors.Is(err, ErrPrivilege) {
		t.Errorf("checkUser() error = %v, want ErrPrivilege", err)
	}
}

// Fabricating an *exec.ExitError needs a real child process, which is
// overkill here; exercise the paths reachable without one.
func TestDecide(t *testing.T) {
	if got := Decide(nil, 0, 10); got != Stop {
		t.Errorf("clean exit: Decide() = %v, want Stop", got)
	}

	crash := &exec.ExitError{}
	if got := Decide(crash, 0, 10); got != Restart {
		t.Errorf("crash under budget: Decide() = %v, want Restart", got)
	}
	if got := Decide(crash, 10, 10); got != Abandon {
		t.Errorf("crash at budget: Decide() = %v, want Abandon", got)
	}
	if got := Decide(crash, 11, 10); got != Abandon {
		t.Errorf("crash over budget: Decide() = %v, want Abandon", got)
	}
}
