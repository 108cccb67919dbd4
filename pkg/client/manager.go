// Package client is the device connection manager: REST calls against the
// device API, named WebSocket channels with batching and reconnection, and
// login state shared by both.
package client

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xiaozhi/devlink/pkg/auth"
	"github.com/xiaozhi/devlink/pkg/channels"
	"github.com/xiaozhi/devlink/pkg/config"
	"github.com/xiaozhi/devlink/pkg/logger"
	"github.com/xiaozhi/devlink/pkg/storage"
	"github.com/xiaozhi/devlink/pkg/websocket"
)

// TokenStore persists the auth token across restarts.
// *storage.TokenStore satisfies it.
type TokenStore interface {
	Load(key string) (string, time.Time, error)
	Save(key, token string, expiresAt time.Time) error
	Delete(key string) error
}

// Settings are the tunables Configure can change at runtime.
type Settings struct {
	BatchInterval      time.Duration
	MaxQueueSize       int
	BaseReconnectDelay time.Duration
	MaxReconnectDelay  time.Duration
	ReconnectGrowth    float64
}

// Manager owns every channel and the login state for one device.
type Manager struct {
	httpBase string
	wsBase   string
	http     *http.Client
	dialer   websocket.Dialer

	store    TokenStore
	closer   io.Closer // non-nil when the manager opened the store itself
	tokenKey string

	mu       sync.Mutex
	settings Settings
	session  auth.Session
	channels map[string]*Channel
	closed   bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.http = c
	}
}

// WithTokenStore sets the token store. It takes precedence over
// config.TokenDBPath and is not closed by Close.
func WithTokenStore(s TokenStore) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d websocket.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// New creates a Manager. A nil cfg uses config.Default(). A token persisted
// under cfg.TokenKey is restored unless it has expired.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	m := &Manager{
		httpBase: cfg.HTTPBase(),
		wsBase:   cfg.WSBase(),
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		},
		tokenKey: cfg.TokenKey,
		settings: Settings{
			BatchInterval:      cfg.BatchInterval,
			MaxQueueSize:       cfg.MaxQueueSize,
			BaseReconnectDelay: cfg.BaseReconnectDelay,
			MaxReconnectDelay:  cfg.MaxReconnectDelay,
			ReconnectGrowth:    cfg.ReconnectGrowth,
		},
		channels: make(map[string]*Channel),
	}

	if m.tokenKey == "" {
		m.tokenKey = config.DefaultTokenKey
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.store == nil && cfg.TokenDBPath != "" {
		store, err := storage.NewTokenStore(cfg.TokenDBPath, cfg.SecretKeyBase)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token store: %w", err)
		}

		m.store = store
		m.closer = store
	}

	m.restoreToken()

	logger.Info("Connection manager created",
		"api", m.httpBase,
		"ws", m.wsBase,
		"authenticated", m.IsAuthenticated(),
	)

	return m, nil
}

// Configure updates the batching and reconnection settings. Zero fields keep
// their current value. Changes apply to subsequent operations.
func (m *Manager) Configure(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.BatchInterval > 0 {
		m.settings.BatchInterval = s.BatchInterval
	}

	if s.MaxQueueSize > 0 {
		m.settings.MaxQueueSize = s.MaxQueueSize
	}

	if s.BaseReconnectDelay > 0 {
		m.settings.BaseReconnectDelay = s.BaseReconnectDelay
	}

	if s.MaxReconnectDelay > 0 {
		m.settings.MaxReconnectDelay = s.MaxReconnectDelay
	}

	if s.ReconnectGrowth >= 1 {
		m.settings.ReconnectGrowth = s.ReconnectGrowth
	}

	logger.Debug("Manager configured",
		"batch_interval", m.settings.BatchInterval,
		"max_queue_size", m.settings.MaxQueueSize,
		"base_reconnect_delay", m.settings.BaseReconnectDelay,
		"max_reconnect_delay", m.settings.MaxReconnectDelay,
		"reconnect_growth", m.settings.ReconnectGrowth,
	)
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.settings
}

// Close disconnects every channel and closes a token store the manager
// opened itself. Further ConnectChannel calls fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	m.mu.Unlock()

	logger.Info("Closing connection manager")

	m.DisconnectAll()

	if m.closer != nil {
		if err := m.closer.Close(); err != nil {
			return fmt.Errorf("close token store: %w", err)
		}
	}

	return nil
}

// HTTPStatus is the REST side of ConnectionStatus.
type HTTPStatus struct {
	BaseURL       string `json:"base_url"`
	Authenticated bool   `json:"authenticated"`
}

// ChannelStatus describes one channel.
type ChannelStatus struct {
	State     websocket.State `json:"state"`
	QueueSize int             `json:"queue_size"`
	// ReconnectDelay is the wait before the next reconnect attempt
	ReconnectDelay   time.Duration `json:"-"`
	ReconnectDelayMS int64         `json:"reconnect_delay_ms"`
}

// ConnectionStatus is a snapshot of the manager.
type ConnectionStatus struct {
	HTTP      HTTPStatus               `json:"http"`
	WebSocket map[string]ChannelStatus `json:"websocket"`
}

// Status returns a snapshot of the login state and every channel.
func (m *Manager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := ConnectionStatus{
		HTTP: HTTPStatus{
			BaseURL:       m.httpBase,
			Authenticated: m.session.Authenticated(),
		},
		WebSocket: make(map[string]ChannelStatus, len(m.channels)),
	}

	for name, ch := range m.channels {
		st.WebSocket[name] = ChannelStatus{
			State:            ch.state,
			QueueSize:        ch.queue.Len(),
			ReconnectDelay:   ch.reconnectDelay,
			ReconnectDelayMS: ch.reconnectDelay.Milliseconds(),
		}
	}

	return st
}

// normalizeName strips leading slashes so "servo" and "/servo" are the same channel.
func normalizeName(name string) string {
	return strings.TrimLeft(name, "/")
}

func newChannel(m *Manager, name string) *Channel {
	return &Channel{
		m:              m,
		name:           name,
		state:          websocket.StateClosed,
		queue:          channels.NewQueue(),
		reconnectDelay: m.settings.BaseReconnectDelay,
	}
}
