package lock

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/fmcg/dimpipe/internal/table"
)

func TestAcquireRelease(t *testing.T) {
	path := Path(t.TempDir(), table.DefaultParams())

	if err := Acquire(path); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	held, pid, err := IsHeld(path)
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if !held || pid != os.Getpid() {
		t.Errorf("IsHeld = %v, %d", held, pid)
	}

	if err := Release(path); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if held, _, _ := IsHeld(path); held {
		t.Error("lock should be released")
	}
	if err := Release(path); err != nil {
		t.Errorf("releasing twice should be a no-op: %v", err)
	}
}

func TestAcquireHeldByOtherProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	path := filepath.Join(t.TempDir(), "x.lock")
	if err := os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestAcquireStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Acquire(path); err != nil {
		t.Errorf("stale lock should be taken over: %v", err)
	}
}
