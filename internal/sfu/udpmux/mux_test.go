package udpmux

import (
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestUDPMux_BindAndClose(t *testing.T) {
	m, err := New("127.0.0.1", 0, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if m.Addr().Port == 0 {
		t.Error("expected a concrete bound port")
	}
	if m.HostIP() != "127.0.0.1" {
		t.Errorf("got advertised ip %s, want 127.0.0.1", m.HostIP())
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestUDPMux_SessionRegistry(t *testing.T) {
	m, err := New("127.0.0.1", 0, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	done := m.Register("session-1")
	m.Register("session-2")
	if m.SessionCount() != 2 {
		t.Errorf("got %d sessions, want 2", m.SessionCount())
	}

	m.Unregister("session-1")
	select {
	case <-done:
	default:
		t.Error("unregister should close the session's done channel")
	}
	if m.SessionCount() != 1 {
		t.Errorf("got %d sessions, want 1", m.SessionCount())
	}

	// Re-registering the same id supersedes the old registration
	first := m.Register("session-2")
	m.Register("session-2")
	select {
	case <-first:
	default:
		t.Error("re-register should close the superseded channel")
	}
}
