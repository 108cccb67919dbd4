package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/xiaozhi/devlink/pkg/channels"
	"github.com/xiaozhi/devlink/pkg/logger"
	"github.com/xiaozhi/devlink/pkg/websocket"
)

// ChannelOptions are the callbacks and policy for one channel. Callbacks run
// on manager goroutines and may call back into the Manager.
type ChannelOptions struct {
	OnOpen    func()
	OnMessage func(msg *channels.Message)
	OnClose   func(code int, reason string)
	OnError   func(err error)

	// AutoReconnect controls reconnection after an abnormal close.
	// nil means true.
	AutoReconnect *bool
}

// Bool returns a pointer to b, for ChannelOptions.AutoReconnect.
func Bool(b bool) *bool {
	return &b
}

func (o ChannelOptions) autoReconnect() bool {
	return o.AutoReconnect == nil || *o.AutoReconnect
}

func (o ChannelOptions) emitOpen() {
	if o.OnOpen != nil {
		o.OnOpen()
	}
}

func (o ChannelOptions) emitMessage(msg *channels.Message) {
	if o.OnMessage != nil {
		o.OnMessage(msg)
	}
}

func (o ChannelOptions) emitClose(code int, reason string) {
	if o.OnClose != nil {
		o.OnClose(code, reason)
	}
}

func (o ChannelOptions) emitError(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// Channel is a named WebSocket channel. All fields are guarded by m.mu.
type Channel struct {
	m    *Manager
	name string

	opts       ChannelOptions
	state      websocket.State
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	attempt    uint64 // bumped on every dial; stale dial results compare against it
	queue      *channels.Queue

	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	reconnectGen   uint64

	removed bool
}

// Name returns the channel name without a leading slash.
func (c *Channel) Name() string {
	return c.name
}

// State returns the current connection state.
func (c *Channel) State() websocket.State {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	return c.state
}

// Send is Manager.Send for this channel.
func (c *Channel) Send(data any, batch bool) error {
	msg, err := channels.Encode(data)
	if err != nil {
		return err
	}

	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	if c.removed {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, c.name)
	}

	return c.m.sendLocked(c, msg, batch)
}

// Close disconnects the channel if this handle is still the registered one.
func (c *Channel) Close() {
	c.m.disconnect(c.name, c)
}

// ConnectChannel opens the named channel. While the channel is connecting or
// open the call is a no-op that returns the existing handle. Otherwise opts
// replaces the channel's callbacks and a dial starts in the background.
func (m *Manager) ConnectChannel(name string, opts ChannelOptions) (*Channel, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	ch := m.channels[name]
	if ch == nil {
		ch = newChannel(m, name)
		m.channels[name] = ch
	}

	if ch.state == websocket.StateConnecting || ch.state == websocket.StateOpen {
		logger.Channel(name).Warn("Channel already connected or connecting", "state", ch.state)
		return ch, nil
	}

	ch.opts = opts
	m.startDialLocked(ch)

	return ch, nil
}

// startDialLocked moves ch to Connecting and dials in the background.
func (m *Manager) startDialLocked(ch *Channel) {
	m.stopReconnectLocked(ch)

	if ch.cancelDial != nil {
		ch.cancelDial()
	}

	ctx, cancel := context.WithCancel(context.Background())

	ch.state = websocket.StateConnecting
	ch.cancelDial = cancel
	ch.attempt++

	target := m.wsBase + "/" + ch.name
	logger.Channel(ch.name).Info("Connecting to channel", "url", target, "attempt", ch.attempt)

	if m.session.Authenticated() {
		target += "?token=" + url.QueryEscape(m.session.Token)
	}

	go m.dial(ctx, ch, ch.attempt, target)
}

func (m *Manager) dial(ctx context.Context, ch *Channel, attempt uint64, target string) {
	conn, err := m.dialer.Dial(ctx, target, nil)

	m.mu.Lock()
	if ch.removed || ch.attempt != attempt {
		m.mu.Unlock()

		if conn != nil {
			//nolint:errcheck,gosec // Superseded transport, nobody is listening
			conn.Close(websocket.CloseNormalClosure, "Normal closure")
		}

		return
	}

	if ch.cancelDial != nil {
		ch.cancelDial()
		ch.cancelDial = nil
	}

	opts := ch.opts
	log := logger.Channel(ch.name)

	if err != nil {
		ch.state = websocket.StateClosed
		m.mu.Unlock()

		log.Warn("Channel connection failed", "error", err)
		opts.emitError(&ChannelError{Channel: ch.name, Detail: DetailConnectionFailed, Err: err})
		m.handleClosed(ch, opts, attempt, websocket.CloseAbnormalClosure, err.Error())

		return
	}

	ch.conn = conn
	ch.state = websocket.StateOpen
	ch.reconnectDelay = m.settings.BaseReconnectDelay
	flushErr := m.flushLocked(ch)
	m.mu.Unlock()

	log.Info("Channel connected", "transport_id", conn.ID())

	if flushErr != nil {
		opts.emitError(flushErr)
	}

	opts.emitOpen()

	go conn.Run(&transportEvents{m: m, ch: ch, conn: conn})
}

// handleClosed reports a close and applies the reconnect policy. attempt
// identifies the dial that closed; a manual ConnectChannel in between wins.
func (m *Manager) handleClosed(ch *Channel, opts ChannelOptions, attempt uint64, code int, reason string) {
	opts.emitClose(code, reason)

	log := logger.Channel(ch.name)

	if websocket.IsNormalClosure(code) {
		return
	}

	if !opts.autoReconnect() {
		log.Info("Auto-reconnect disabled, channel stays closed", "code", code)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || ch.removed || ch.attempt != attempt || ch.state != websocket.StateClosed {
		return
	}

	m.scheduleReconnectLocked(ch)
}

// transportEvents routes one transport's events to its channel. Events from
// a transport that is no longer the channel's live one are dropped.
type transportEvents struct {
	m    *Manager
	ch   *Channel
	conn *websocket.Conn
}

func (e *transportEvents) live() (ChannelOptions, bool) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()

	if e.ch.removed || e.ch.conn != e.conn {
		return ChannelOptions{}, false
	}

	return e.ch.opts, true
}

func (e *transportEvents) OnFrame(data []byte) {
	opts, ok := e.live()
	if !ok {
		return
	}

	log := logger.Channel(e.ch.name)

	msg, err := channels.Decode(data)
	if err != nil {
		log.Warn("Dropping unparseable message", "error", err, "bytes", len(data))
		opts.emitError(&ChannelError{Channel: e.ch.name, Detail: DetailParse, Err: err})

		return
	}

	if !msg.HasStandardFields() {
		log.Warn("Message has neither type nor status field")
	}

	log.Debug("Message received", "type", msg.Type(), "status", msg.Status())
	opts.emitMessage(msg)
}

func (e *transportEvents) OnError(err error) {
	opts, ok := e.live()
	if !ok {
		return
	}

	logger.Channel(e.ch.name).Warn("Channel transport error", "error", err)
	opts.emitError(&ChannelError{Channel: e.ch.name, Detail: DetailConnectionClosed, Err: err})
}

func (e *transportEvents) OnClose(code int, reason string) {
	e.m.mu.Lock()
	if e.ch.removed || e.ch.conn != e.conn {
		e.m.mu.Unlock()
		return
	}

	e.ch.conn = nil
	e.ch.state = websocket.StateClosed
	attempt := e.ch.attempt
	opts := e.ch.opts
	e.m.mu.Unlock()

	logger.Channel(e.ch.name).Info("Channel closed",
		"code", code,
		"reason", reason,
		"description", websocket.CloseReason(code),
	)

	e.m.handleClosed(e.ch, opts, attempt, code, reason)
}

// Send delivers data on the named channel. With batch false the channel must
// be open and the frame is written immediately. With batch true the message
// is queued and flushed when the queue reaches the max size or the batch
// interval elapses without another batched send.
func (m *Manager) Send(name string, data any, batch bool) error {
	msg, err := channels.Encode(data)
	if err != nil {
		return err
	}

	name = normalizeName(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.channels[name]
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}

	return m.sendLocked(ch, msg, batch)
}

func (m *Manager) sendLocked(ch *Channel, msg json.RawMessage, batch bool) error {
	if !batch {
		if ch.state != websocket.StateOpen || ch.conn == nil {
			return fmt.Errorf("%w: %s is %s", ErrChannelNotOpen, ch.name, ch.state)
		}

		if err := ch.conn.WriteText(msg); err != nil {
			return fmt.Errorf("send on %s: %w", ch.name, err)
		}

		return nil
	}

	if n := ch.queue.Push(msg); n >= m.settings.MaxQueueSize {
		return m.flushLocked(ch)
	}

	ch.queue.Arm(m.settings.BatchInterval, func(gen uint64) {
		m.flushOnTimer(ch, gen)
	})

	return nil
}

func (m *Manager) flushOnTimer(ch *Channel, gen uint64) {
	m.mu.Lock()
	if ch.removed || !ch.queue.Fired(gen) {
		m.mu.Unlock()
		return
	}

	err := m.flushLocked(ch)
	opts := ch.opts
	m.mu.Unlock()

	if err != nil {
		opts.emitError(err)
	}
}

// flushLocked writes the queue as one frame. When the channel is not open
// the queue is kept for the next open. A failed write drops the batch.
func (m *Manager) flushLocked(ch *Channel) error {
	ch.queue.Disarm()

	if ch.queue.Len() == 0 {
		return nil
	}

	log := logger.Channel(ch.name)

	if ch.state != websocket.StateOpen || ch.conn == nil {
		log.Warn("Cannot flush batch, channel not open", "state", ch.state, "queued", ch.queue.Len())
		return nil
	}

	msgs := ch.queue.Drain()

	frame, err := channels.EncodeBatch(msgs)
	if err != nil {
		return &ChannelError{Channel: ch.name, Detail: DetailFlush, Err: err}
	}

	if err := ch.conn.WriteText(frame); err != nil {
		log.Warn("Dropping batch after write failure", "messages", len(msgs), "error", err)
		return &ChannelError{Channel: ch.name, Detail: DetailFlush, Err: err}
	}

	log.Debug("Batch flushed", "messages", len(msgs), "bytes", len(frame))

	return nil
}

// DisconnectChannel closes the named channel with a normal closure and
// forgets it. Pending batched messages are flushed first when possible.
// Unknown names are ignored.
func (m *Manager) DisconnectChannel(name string) {
	m.disconnect(normalizeName(name), nil)
}

// DisconnectAll disconnects every channel.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	detached := make([]detachedChannel, 0, len(m.channels))

	for name, ch := range m.channels {
		delete(m.channels, name)
		detached = append(detached, m.detachLocked(ch))
	}
	m.mu.Unlock()

	for _, d := range detached {
		d.finish()
	}
}

// disconnect removes name; when only is non-nil it must be the registered handle.
func (m *Manager) disconnect(name string, only *Channel) {
	m.mu.Lock()
	ch := m.channels[name]

	if ch == nil || (only != nil && ch != only) {
		m.mu.Unlock()
		return
	}

	delete(m.channels, name)
	d := m.detachLocked(ch)
	m.mu.Unlock()

	d.finish()
}

// detachedChannel is a removed channel whose close frame and OnClose are
// still pending. The channel stays Closing until finish runs.
type detachedChannel struct {
	ch   *Channel
	name string
	conn *websocket.Conn
	opts ChannelOptions
	live bool
}

func (m *Manager) detachLocked(ch *Channel) detachedChannel {
	if err := m.flushLocked(ch); err != nil {
		logger.Channel(ch.name).Warn("Final flush failed", "error", err)
	}

	d := detachedChannel{
		ch:   ch,
		name: ch.name,
		conn: ch.conn,
		opts: ch.opts,
		live: ch.conn != nil || ch.state == websocket.StateConnecting,
	}

	ch.removed = true
	ch.queue.Clear()
	m.stopReconnectLocked(ch)

	if ch.cancelDial != nil {
		ch.cancelDial()
		ch.cancelDial = nil
	}

	ch.conn = nil
	ch.state = websocket.StateClosed

	if d.conn != nil {
		ch.state = websocket.StateClosing
	}

	return d
}

func (d detachedChannel) finish() {
	if d.conn != nil {
		if err := d.conn.Close(websocket.CloseNormalClosure, "Normal closure"); err != nil {
			logger.Channel(d.name).Debug("Close frame not delivered", "error", err)
		}

		d.ch.m.mu.Lock()
		d.ch.state = websocket.StateClosed
		d.ch.m.mu.Unlock()
	}

	logger.Channel(d.name).Info("Channel disconnected")

	if d.live {
		d.opts.emitClose(websocket.CloseNormalClosure, "Normal closure")
	}
}
