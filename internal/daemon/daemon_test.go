package daemon

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/synapse/internal/api"
	"github.com/matheus3301/synapse/internal/config"
	"github.com/matheus3301/synapse/internal/lock"
	"github.com/matheus3301/synapse/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// setupProfile points the profile layout at a short temp dir and writes a
// config for user alice.
func setupProfile(t *testing.T, name string) {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	home, err := os.MkdirTemp("/tmp", "synapse-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(profile.HomeEnv, home)

	cfg := config.Default()
	cfg.UserID = "alice"
	cfg.LogLevel = "warn"
	if err := config.Save(profile.ConfigPath(name), cfg); err != nil {
		t.Fatal(err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	setupProfile(t, "test")
	app := fxtest.New(t, Module(Params{ProfileName: "test"}))
	app.RequireStart()

	socket := profile.SocketPath("test")
	info, err := os.Stat(socket)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	c, err := api.Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.CreateConversation(ctx, &api.CreateConversationRequest{
		ConversationID: "c1", Type: "DIRECT", MemberIDs: []string{"alice", "bob"},
	}); err != nil {
		t.Fatalf("CreateConversation error = %v", err)
	}
	if _, err := c.StartSync(ctx, &api.StartSyncRequest{ConversationID: "c1"}); err != nil {
		t.Fatalf("StartSync error = %v", err)
	}

	// The conversation reaches the cache once the job's first snapshot lands.
	for {
		_, err := c.SendText(ctx, &api.SendTextRequest{ConversationID: "c1", Text: "hello"})
		if err == nil {
			break
		}
		if grpcstatus.Code(err) != codes.NotFound {
			t.Fatalf("SendText error = %v", err)
		}
		select {
		case <-ctx.Done():
			t.Fatal("timeout waiting for conversation to be cached")
		case <-time.After(20 * time.Millisecond):
		}
	}

	for {
		resp, err := c.ListMessages(ctx, &api.ListMessagesRequest{ConversationID: "c1"})
		if err != nil {
			t.Fatalf("ListMessages error = %v", err)
		}
		if len(resp.Messages) == 1 && resp.Messages[0].Status == "sent" {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for sent status, last page %+v", resp)
		case <-time.After(20 * time.Millisecond):
		}
	}

	status, err := c.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus error = %v", err)
	}
	if status.Offline || len(status.Conversations) != 1 || status.Conversations[0].State != "LIVE" {
		t.Errorf("sync status = %+v, want c1 LIVE", status)
	}

	app.RequireStop()

	if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after stop: %v", err)
	}
	l, err := lock.Acquire(profile.Dir("test"))
	if err != nil {
		t.Fatalf("lock not released after stop: %v", err)
	}
	_ = l.Release()
}

func TestSecondDaemonRejected(t *testing.T) {
	setupProfile(t, "test")
	first := fxtest.New(t, Module(Params{ProfileName: "test"}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(Module(Params{ProfileName: "test"}), fx.NopLogger)
	var held *lock.LockHeldError
	if !errors.As(second.Err(), &held) {
		t.Fatalf("second daemon error = %v, want LockHeldError", second.Err())
	}
	if held.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", held.PID, os.Getpid())
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	home, err := os.MkdirTemp("/tmp", "synapse-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(profile.HomeEnv, home)

	// No config file: user_id is missing.
	app := fx.New(Module(Params{ProfileName: "empty"}), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("expected error without user_id")
	}
}
