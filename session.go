package bazario

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// credentialKeySessionID is the key under which the session identifier is
// persisted in the credential store.
const credentialKeySessionID = "session_id"

// CredentialStore is the opaque persistent key-value store the app provides
// (secure storage on device, a config file in the CLI). Get returns "" for a
// missing key.
type CredentialStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// DeviceTokenProvider yields the opaque push token for this device. Token
// acquisition is an external concern; failures are tolerated.
type DeviceTokenProvider interface {
	DeviceToken(ctx context.Context) (string, error)
}

// DeviceInfo describes the device a session is registered for.
type DeviceInfo struct {
	Name     string
	Platform DevicePlatform
}

// AppState mirrors the mobile app lifecycle states relevant to presence.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateBackground AppState = "background"
	// AppStateInactive is the iOS transient state; it triggers no update.
	AppStateInactive AppState = "inactive"
)

// ============================================================================
// MemoryCredentialStore
// ============================================================================

// MemoryCredentialStore is a goroutine-safe in-memory CredentialStore for
// tests and embedding.
type MemoryCredentialStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{values: make(map[string]string)}
}

func (s *MemoryCredentialStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *MemoryCredentialStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryCredentialStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// ============================================================================
// SessionManager
// ============================================================================

// SessionManager establishes a stable, reusable device session tied to the
// authenticated user and reports app lifecycle transitions as online/offline
// updates.
//
// Registration is best effort: it never blocks startup and there is no
// internal retry loop. A failed registration is logged and retried
// implicitly the next time a natural trigger fires (typically the next
// foreground transition).
type SessionManager struct {
	client  *Client
	creds   CredentialStore
	devices DeviceTokenProvider
	device  DeviceInfo
	socket  *SocketManager
	log     *zap.SugaredLogger

	mu        sync.Mutex
	sessionID string
	user      User
	token     string
	appState  AppState
}

// NewSessionManager wires the registrar. log may be nil, in which case the
// client's logger is used.
func NewSessionManager(client *Client, creds CredentialStore, devices DeviceTokenProvider, socket *SocketManager, log *zap.SugaredLogger) *SessionManager {
	if log == nil {
		log = client.log
	}
	return &SessionManager{
		client:   client,
		creds:    creds,
		devices:  devices,
		socket:   socket,
		log:      log,
		appState: AppStateActive,
	}
}

// SetDeviceInfo sets the device name and platform sent with registrations.
func (s *SessionManager) SetDeviceInfo(info DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = info
}

// SessionID returns the active session identifier, or "" when none.
func (s *SessionManager) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// RegisterSession registers (or reuses) the device session for user and, on
// success, persists the identifier and connects the socket channel. A
// persisted identifier from a previous run is included so the backend
// updates the existing session instead of creating a duplicate.
func (s *SessionManager) RegisterSession(ctx context.Context, token string, user User) (string, error) {
	persisted, err := s.creds.Get(credentialKeySessionID)
	if err != nil {
		s.log.Warnw("credential store read failed", "error", err)
		persisted = ""
	}

	deviceToken := ""
	if s.devices != nil {
		deviceToken, err = s.devices.DeviceToken(ctx)
		if err != nil {
			// Push routing degrades, registration still proceeds.
			s.log.Warnw("device token unavailable", "error", err)
			deviceToken = ""
		}
	}

	s.mu.Lock()
	device := s.device
	s.mu.Unlock()

	s.client.SetToken(token)
	sessionID, err := s.client.RegisterSession(ctx, &RegisterSessionRequest{
		Device:         device.Name,
		DeviceToken:    deviceToken,
		DevicePlatform: device.Platform,
		SessionID:      persisted,
	})
	if err != nil {
		// Non-fatal: messaging stays unavailable until the next trigger.
		s.log.Warnw("session registration failed", "error", err)
		return "", err
	}

	if err := s.creds.Set(credentialKeySessionID, sessionID); err != nil {
		s.log.Warnw("failed to persist session id", "error", err)
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.user = user
	s.token = token
	s.mu.Unlock()

	if err := s.socket.Connect(ctx, token, sessionID, user.ID); err != nil {
		s.log.Warnw("socket connect failed", "sessionId", sessionID, "error", err)
	}
	return sessionID, nil
}

// HandleAppStateChange reports a lifecycle transition. Foreground marks the
// session online and refreshes the socket room membership; background marks
// it offline. Both are fire-and-forget: failures are logged, never surfaced.
func (s *SessionManager) HandleAppStateChange(ctx context.Context, next AppState) {
	s.mu.Lock()
	prev := s.appState
	if next != AppStateInactive {
		s.appState = next
	}
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID == "" || next == prev || next == AppStateInactive {
		return
	}

	switch next {
	case AppStateActive:
		if err := s.client.UpdateSession(ctx, sessionID, true); err != nil {
			s.log.Warnw("online update failed", "sessionId", sessionID, "error", err)
		}
		if s.socket.Connected() {
			if err := s.socket.Join(ctx); err != nil {
				s.log.Warnw("rejoin emit failed", "sessionId", sessionID, "error", err)
			}
		}
	case AppStateBackground:
		if err := s.client.UpdateSession(ctx, sessionID, false); err != nil {
			s.log.Warnw("offline update failed", "sessionId", sessionID, "error", err)
		}
	}
}

// CleanupOnLogout notifies the backend, marks the session offline,
// disconnects the socket, and clears the persisted identifier. Idempotent:
// with no active session it is a no-op.
func (s *SessionManager) CleanupOnLogout(ctx context.Context) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.sessionID = ""
	s.user = User{}
	s.token = ""
	s.mu.Unlock()

	if sessionID == "" {
		// A previous process may have registered; honor its persisted id.
		sessionID, _ = s.creds.Get(credentialKeySessionID)
	}
	if sessionID == "" {
		return nil
	}

	if err := s.client.Logout(ctx); err != nil {
		s.log.Warnw("logout notification failed", "sessionId", sessionID, "error", err)
	}
	if err := s.client.UpdateSession(ctx, sessionID, false); err != nil {
		s.log.Warnw("offline update failed", "sessionId", sessionID, "error", err)
	}
	if err := s.socket.Disconnect(); err != nil {
		s.log.Warnw("socket disconnect failed", "error", err)
	}
	if err := s.creds.Delete(credentialKeySessionID); err != nil {
		s.log.Warnw("failed to clear persisted session id", "error", err)
	}
	return nil
}
