package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaozhi/devlink/pkg/channels"
	"github.com/xiaozhi/devlink/pkg/config"
)

// wsFrame is a frame the fake device received.
type wsFrame struct {
	channel string
	data    string
}

// fakeDevice serves the device REST API under /api and channels under /ws.
type fakeDevice struct {
	server *httptest.Server

	mu       sync.Mutex
	api      http.HandlerFunc
	attempts map[string]int
	upgrades map[string]int
	conns    map[string]*websocket.Conn
	queries  map[string]string
	reject   bool
	gate     chan struct{}

	frames chan wsFrame
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	d := &fakeDevice{
		attempts: make(map[string]int),
		upgrades: make(map[string]int),
		conns:    make(map[string]*websocket.Conn),
		queries:  make(map[string]string),
		frames:   make(chan wsFrame, 100),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		api := d.api
		d.mu.Unlock()

		if api == nil {
			http.NotFound(w, r)
			return
		}

		api(w, r)
	})
	mux.HandleFunc("/ws/", d.handleWS)

	d.server = httptest.NewServer(mux)
	t.Cleanup(d.server.Close)

	return d
}

func (d *fakeDevice) handleWS(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/ws/")

	d.mu.Lock()
	d.attempts[name]++
	reject := d.reject
	gate := d.gate
	d.mu.Unlock()

	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	if gate != nil {
		<-gate
	}

	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	d.mu.Lock()
	d.upgrades[name]++
	d.conns[name] = conn
	d.queries[name] = r.URL.RawQuery
	d.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		d.frames <- wsFrame{channel: name, data: string(data)}
	}
}

func (d *fakeDevice) setAPI(h http.HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.api = h
}

func (d *fakeDevice) setReject(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reject = reject
}

func (d *fakeDevice) attemptCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.attempts[name]
}

func (d *fakeDevice) upgradeCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.upgrades[name]
}

func (d *fakeDevice) query(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.queries[name]
}

func (d *fakeDevice) conn(t *testing.T, name string) *websocket.Conn {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()

	conn := d.conns[name]
	if conn == nil {
		t.Fatalf("no server connection for channel %q", name)
	}

	return conn
}

// push writes a text frame from the device side.
func (d *fakeDevice) push(t *testing.T, name, data string) {
	t.Helper()

	if err := d.conn(t, name).WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("push to %s: %v", name, err)
	}
}

// closeWith sends a close frame and closes the connection.
func (d *fakeDevice) closeWith(t *testing.T, name string, code int, reason string) {
	t.Helper()

	conn := d.conn(t, name)
	//nolint:errcheck // Test helper
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	conn.Close()
}

// drop closes the TCP connection without a close frame.
func (d *fakeDevice) drop(t *testing.T, name string) {
	t.Helper()

	d.conn(t, name).Close()
}

// nextFrame waits for the next frame the device receives.
func (d *fakeDevice) nextFrame(t *testing.T) wsFrame {
	t.Helper()

	select {
	case f := <-d.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	return wsFrame{}
}

// expectNoFrame fails if a frame arrives within d.
func (d *fakeDevice) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case f := <-d.frames:
		t.Fatalf("unexpected frame on %s: %s", f.channel, f.data)
	case <-time.After(wait):
	}
}

func testConfig(d *fakeDevice) *config.Config {
	cfg := config.Default()
	cfg.BaseURL = d.server.URL
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.BaseReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectDelay = 200 * time.Millisecond

	return cfg
}

func newTestManager(t *testing.T, d *fakeDevice, opts ...Option) *Manager {
	t.Helper()

	m, err := New(testConfig(d), opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	t.Cleanup(func() {
		//nolint:errcheck // Test cleanup
		m.Close()
	})

	return m
}

type closeEvent struct {
	code   int
	reason string
	at     time.Time
}

// recorder captures channel callbacks.
type recorder struct {
	opens    chan time.Time
	messages chan *channels.Message
	closes   chan closeEvent
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		opens:    make(chan time.Time, 100),
		messages: make(chan *channels.Message, 100),
		closes:   make(chan closeEvent, 100),
		errs:     make(chan error, 100),
	}
}

// offer never blocks a manager goroutine on a slow test.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (r *recorder) options() ChannelOptions {
	return ChannelOptions{
		OnOpen:    func() { offer(r.opens, time.Now()) },
		OnMessage: func(msg *channels.Message) { offer(r.messages, msg) },
		OnClose: func(code int, reason string) {
			offer(r.closes, closeEvent{code: code, reason: reason, at: time.Now()})
		},
		OnError: func(err error) { offer(r.errs, err) },
	}
}

func (r *recorder) waitOpen(t *testing.T) {
	t.Helper()

	select {
	case <-r.opens:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnOpen")
	}
}

func (r *recorder) waitMessage(t *testing.T) *channels.Message {
	t.Helper()

	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}

	return nil
}

func (r *recorder) waitClose(t *testing.T) closeEvent {
	t.Helper()

	select {
	case ev := <-r.closes:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}

	return closeEvent{}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()

	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}

	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
