//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dfingerd/dfingerd/internal/config"
	"github.com/dfingerd/dfingerd/internal/eventloop"
	"github.com/dfingerd/dfingerd/internal/persist"
	"github.com/dfingerd/dfingerd/internal/presence"
)

// testDaemon is one running dfingerd instance bound to random high
// ports, torn down when the test finishes.
type testDaemon struct {
	cfg   *config.Config
	store *presence.Store
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := presence.New(logger)
	store.SetPasswordLookup(func(string) (string, string, bool) { return "", "", false })

	var srv *eventloop.Server
	cfg := config.DefaultConfig()
	cfg.DumpFile = filepath.Join(t.TempDir(), "dfingerd.dump")

	// Random high ports; retry a few times if another process got there
	// first.
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		cfg.Port = 20000 + rand.Intn(40000)
		cfg.FingerPort = 20000 + rand.Intn(40000)
		if cfg.FingerPort == cfg.Port {
			continue
		}
		srv, err = eventloop.New(cfg, store, nil, logger, "", nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case runErr := <-done:
			if runErr != nil {
				t.Errorf("Run returned error: %v", runErr)
			}
		case <-time.After(10 * time.Second):
			t.Error("event loop did not stop within 10s of cancellation")
		}
	})

	return &testDaemon{cfg: cfg, store: store}
}

// finger sends one finger request and returns the complete response,
// trailing CRLF included.
func (d *testDaemon) finger(t *testing.T, request string) string {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", d.cfg.FingerPort))
	if err != nil {
		t.Fatalf("dial finger port: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(conn, "%s\r\n", request); err != nil {
		t.Fatalf("send finger request: %v", err)
	}
	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read finger response: %v", err)
	}
	return string(body)
}

// dialUpdate opens an agent connection to the daemon's update port.
func (d *testDaemon) dialUpdate(t *testing.T) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", d.cfg.Port))
	if err != nil {
		t.Fatalf("dial update port: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUpdateThenFingerEndToEnd(t *testing.T) {
	d := startDaemon(t)

	agent := d.dialUpdate(t)
	if _, err := fmt.Fprintf(agent, "!!! UPDATE\nalice pts/0 1700000000 5 :0.0 \n!!! END\n"); err != nil {
		t.Fatalf("send update cycle: %v", err)
	}

	var resp string
	waitFor(t, "alice to appear in finger output", func() bool {
		resp = d.finger(t, "alice")
		return strings.Contains(resp, "alice")
	})

	if !strings.HasPrefix(resp, "alice") {
		t.Errorf("response = %q, want it to start with the username column", resp)
	}
	if !strings.Contains(resp, "pts/0") {
		t.Errorf("response = %q, want terminal line pts/0", resp)
	}
	if !strings.Contains(resp, ":0.0") {
		t.Errorf("response = %q, want origin host :0.0", resp)
	}
	if !strings.HasSuffix(resp, "\r\n") {
		t.Errorf("response = %q, want CRLF terminator", resp)
	}

	// An empty request lists everything; alice's session is everything.
	all := d.finger(t, "")
	if !strings.Contains(all, "alice") {
		t.Errorf("list-everything response = %q, want alice's session", all)
	}
}

func TestEmptyCycleArchivesSession(t *testing.T) {
	d := startDaemon(t)

	agent := d.dialUpdate(t)
	if _, err := fmt.Fprintf(agent, "alice pts/0 1700000000 5 :0.0 \n!!! END\n"); err != nil {
		t.Fatalf("send login cycle: %v", err)
	}
	waitFor(t, "alice to appear", func() bool {
		return strings.Contains(d.finger(t, "alice"), "alice")
	})

	// Next cycle reports no logins: alice logged out.
	if _, err := fmt.Fprintf(agent, "!!! END\n"); err != nil {
		t.Fatalf("send empty cycle: %v", err)
	}
	waitFor(t, "alice to disappear", func() bool {
		return d.finger(t, "alice") == "\r\n"
	})
}

func TestByeArchivesEverything(t *testing.T) {
	d := startDaemon(t)

	agent := d.dialUpdate(t)
	lines := "alice pts/0 1700000000 5 :0.0 \n" +
		"bob pts/1 1700000100 0 remote.example.com \n" +
		"!!! END\n"
	if _, err := io.WriteString(agent, lines); err != nil {
		t.Fatalf("send update cycle: %v", err)
	}
	waitFor(t, "both sessions to appear", func() bool {
		resp := d.finger(t, "")
		return strings.Contains(resp, "alice") && strings.Contains(resp, "bob")
	})

	if _, err := io.WriteString(agent, "!!! BYE\n"); err != nil {
		t.Fatalf("send BYE: %v", err)
	}
	waitFor(t, "all sessions to disappear", func() bool {
		return d.finger(t, "") == "\r\n"
	})
}

func TestForwardingRefusedEndToEnd(t *testing.T) {
	d := startDaemon(t)

	resp := d.finger(t, "user@host@relay")
	if resp != "Finger forwarding service denied\r\n" {
		t.Fatalf("response = %q, want exact forwarding denial", resp)
	}
}

func TestQuitWritesRecoverableSnapshot(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	store := presence.New(logger)
	store.SetPasswordLookup(func(string) (string, string, bool) { return "", "", false })

	cfg := config.DefaultConfig()
	cfg.DumpFile = filepath.Join(t.TempDir(), "dfingerd.dump")

	var srv *eventloop.Server
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		cfg.Port = 20000 + rand.Intn(40000)
		cfg.FingerPort = 20000 + rand.Intn(40000)
		if cfg.FingerPort == cfg.Port {
			continue
		}
		srv, err = eventloop.New(cfg, store, nil, logger, "", nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	agent, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		cancel()
		t.Fatalf("dial update port: %v", err)
	}
	defer agent.Close()
	if _, err := io.WriteString(agent, "alice pts/0 1700000000 5 :0.0 \n!!! END\n"); err != nil {
		cancel()
		t.Fatalf("send update cycle: %v", err)
	}

	// Wait until the session is visible before asking the loop to quit,
	// so the final snapshot is guaranteed to contain it.
	waitFor(t, "session to be applied", func() bool {
		conn, dErr := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.FingerPort))
		if dErr != nil {
			return false
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		fmt.Fprintf(conn, "alice\r\n")
		body, _ := io.ReadAll(conn)
		return strings.Contains(string(body), "alice")
	})

	cancel()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("Run returned error: %v", runErr)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("event loop did not stop within 10s of cancellation")
	}

	recovered := presence.New(logger)
	recovered.SetPasswordLookup(func(string) (string, string, bool) { return "", "", false })
	if err := persist.Read(cfg.DumpFile, recovered); err != nil {
		t.Fatalf("recover final snapshot: %v", err)
	}

	if _, ok := recovered.LookupUser("alice"); !ok {
		t.Error("recovered store is missing user alice")
	}
	machines := recovered.Machines()
	if len(machines) != 1 {
		t.Fatalf("recovered %d machines, want 1", len(machines))
	}
	if n := len(recovered.LiveSessions(machines[0])); n != 1 {
		t.Errorf("recovered %d live sessions, want 1", n)
	}
}
