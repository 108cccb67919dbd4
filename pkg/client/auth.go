package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/xiaozhi/devlink/pkg/auth"
	"github.com/xiaozhi/devlink/pkg/logger"
	"github.com/xiaozhi/devlink/pkg/storage"
)

// LoginResult is the device's answer to a login.
type LoginResult struct {
	Status  string `json:"status"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// Succeeded reports whether the device accepted the credentials.
func (r *LoginResult) Succeeded() bool {
	return r.Status == "success" && r.Token != ""
}

// Login posts credentials to /auth/login. On success the token is kept for
// later requests and channel URLs, and persisted when a store is configured.
// A rejected login is not an error; check Succeeded.
func (m *Manager) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	resp, err := m.Request(ctx, http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	var result LoginResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}

	if !result.Succeeded() {
		logger.Warn("Login rejected", "username", username, "status", result.Status, "message", result.Message)
		return &result, nil
	}

	m.setToken(result.Token)
	logger.Info("Logged in", "username", username)

	return &result, nil
}

// Logout posts to /auth/logout and forgets the token whether or not the
// request succeeded. The request error, if any, is returned.
func (m *Manager) Logout(ctx context.Context) (Response, error) {
	resp, err := m.Request(ctx, http.MethodPost, "/auth/logout", nil)

	m.clearToken()

	if err != nil {
		logger.Warn("Logout request failed, token cleared locally", "error", err)
		return nil, err
	}

	logger.Info("Logged out")

	return resp, nil
}

// IsAuthenticated reports whether a token is held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session.Authenticated()
}

// Token returns the held token, or "".
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session.Token
}

func (m *Manager) authorizationHeader() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session.AuthorizationHeader()
}

func (m *Manager) setToken(token string) {
	session := auth.NewSession(token)

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	if m.store == nil {
		return
	}

	if err := m.store.Save(m.tokenKey, token, session.Expiry()); err != nil {
		logger.Warn("Failed to persist token", "error", err)
	}
}

func (m *Manager) clearToken() {
	m.mu.Lock()
	m.session = auth.Session{}
	m.mu.Unlock()

	if m.store == nil {
		return
	}

	if err := m.store.Delete(m.tokenKey); err != nil {
		logger.Warn("Failed to delete persisted token", "error", err)
	}
}

// restoreToken loads a persisted token. Expired tokens are deleted.
func (m *Manager) restoreToken() {
	if m.store == nil {
		return
	}

	token, _, err := m.store.Load(m.tokenKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Failed to load persisted token", "error", err)
		}

		return
	}

	session := auth.NewSession(token)
	if session.Expired() {
		logger.Info("Persisted token expired, discarding", "expired_at", session.Expiry())

		if err := m.store.Delete(m.tokenKey); err != nil {
			logger.Warn("Failed to delete expired token", "error", err)
		}

		return
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	logger.Info("Restored persisted token", "expires_at", session.Expiry())
}
