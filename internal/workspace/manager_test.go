package workspace

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestManagerGetIsStablePerSession(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	a1, err := m.Get("session-a")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := m.Get("session-a")
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Error("expected the same workspace on second Get")
	}

	b, err := m.Get("session-b")
	if err != nil {
		t.Fatal(err)
	}
	if b.Root() == a1.Root() {
		t.Error("sessions must not share a workspace")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestManagerRejectsBadSessionIDs(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "..", "../x", "a/b", "/abs", ".hidden"} {
		if _, err := m.Get(id); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Get(%q) err = %v, want ErrPathTraversal", id, err)
		}
	}
}

func TestManagerRemove(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ws, _ := m.Get("gone")
	if err := m.Remove("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ws.Root()); !os.IsNotExist(err) {
		t.Error("workspace directory still exists")
	}
	if err := m.Remove("never-existed"); err != nil {
		t.Errorf("Remove of unknown session: %v", err)
	}
}

func TestManagerCleanup(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{Retention: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	m.now = func() time.Time { return start }
	m.Get("old")

	m.now = func() time.Time { return start.Add(50 * time.Second) }
	m.Get("fresh")

	removed := m.Cleanup(start.Add(90 * time.Second))
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("removed = %v, want [old]", removed)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestManagerTouchDefersCleanup(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{Retention: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	m.now = func() time.Time { return start }
	m.Get("long-run")

	m.now = func() time.Time { return start.Add(50 * time.Second) }
	m.Touch("long-run")
	m.Touch("unknown")

	if removed := m.Cleanup(start.Add(90 * time.Second)); len(removed) != 0 {
		t.Fatalf("removed = %v, want none", removed)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}
