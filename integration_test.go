//go:build integration

package bazario_test

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	bazario "github.com/bazario-app/bazario-go"
)

// helpers ---------------------------------------------------------------

func authToken(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("BAZARIO_AUTH_TOKEN_TEST")
	if tok == "" {
		t.Fatal("BAZARIO_AUTH_TOKEN_TEST environment variable is required")
	}
	return tok
}

func userID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("BAZARIO_USER_ID_TEST")
	if id == "" {
		t.Fatal("BAZARIO_USER_ID_TEST environment variable is required")
	}
	return id
}

func testBaseURL() string {
	if v := os.Getenv("BAZARIO_BASE_URL_TEST"); v != "" {
		return v
	}
	return "" // empty means use default (production)
}

func newLiveClient(t *testing.T) *bazario.Client {
	t.Helper()
	if base := testBaseURL(); base != "" {
		return bazario.NewClient(authToken(t), bazario.WithBaseURL(base))
	}
	return bazario.NewClient(authToken(t))
}

// =======================================================================
// Group 1: Session lifecycle
// =======================================================================

func TestIntegrationSessionLifecycle(t *testing.T) {
	client := newLiveClient(t)
	creds := bazario.NewMemoryCredentialStore()
	socket := bazario.NewSocketManager(client, nil)
	sm := bazario.NewSessionManager(client, creds, nil, socket, nil)
	sm.SetDeviceInfo(bazario.DeviceInfo{Name: "bazario-go-it", Platform: bazario.PlatformAndroid})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := sm.RegisterSession(ctx, authToken(t), bazario.User{ID: userID(t)})
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	t.Logf("registered session %s", id)

	// Re-registering with the persisted id must reuse the session.
	id2, err := sm.RegisterSession(ctx, authToken(t), bazario.User{ID: userID(t)})
	if err != nil {
		t.Fatalf("second RegisterSession: %v", err)
	}
	if id2 != id {
		t.Errorf("second registration created a new session: %s != %s", id2, id)
	}

	sm.HandleAppStateChange(ctx, bazario.AppStateBackground)
	sm.HandleAppStateChange(ctx, bazario.AppStateActive)

	if err := sm.CleanupOnLogout(ctx); err != nil {
		t.Fatalf("CleanupOnLogout: %v", err)
	}
}

// =======================================================================
// Group 2: Socket round trip
// =======================================================================

func TestIntegrationSocketEcho(t *testing.T) {
	peer := os.Getenv("BAZARIO_PEER_ID_TEST")
	if peer == "" {
		t.Skip("BAZARIO_PEER_ID_TEST not set; skipping socket round trip")
	}

	client := newLiveClient(t)
	socket := bazario.NewSocketManager(client, nil)
	creds := bazario.NewMemoryCredentialStore()
	sm := bazario.NewSessionManager(client, creds, nil, socket, nil)
	sm.SetDeviceInfo(bazario.DeviceInfo{Name: "bazario-go-it", Platform: bazario.PlatformAndroid})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := sm.RegisterSession(ctx, authToken(t), bazario.User{ID: userID(t)}); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	defer func() { _ = sm.CleanupOnLogout(context.Background()) }()

	if !socket.Connected() {
		t.Fatal("socket not connected after registration")
	}

	store := bazario.NewChatStore(client, socket, userID(t), nil)
	detach := store.Attach(socket)
	defer detach()

	if err := store.Reload(ctx, peer); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	before := store.Len()

	var acked atomic.Bool
	unsub := socket.OnMessageSent(func(bazario.ServerAckPayload) { acked.Store(true) })
	defer unsub()

	msg, err := store.SendText(ctx, peer, "integration ping")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if store.Len() != before+1 {
		t.Fatalf("store did not grow after send")
	}

	deadline := time.Now().Add(15 * time.Second)
	for !acked.Load() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if !acked.Load() {
		t.Fatal("no server ack within 15s")
	}

	got, ok := store.Get(msg.TempID)
	if !ok {
		t.Fatal("sent message no longer reachable by tempId")
	}
	if got.ID == "" {
		t.Error("server id not reconciled into the optimistic entry")
	}
	if got.State() == bazario.StatePending {
		t.Error("message still pending after ack")
	}
}
