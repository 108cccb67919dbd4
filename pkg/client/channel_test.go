package client

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xiaozhi/devlink/pkg/channels"
	"github.com/xiaozhi/devlink/pkg/websocket"
)

func TestConnectChannelOpens(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	ch, err := m.ConnectChannel("servo", rec.options())
	if err != nil {
		t.Fatalf("ConnectChannel failed: %v", err)
	}

	rec.waitOpen(t)

	if ch.Name() != "servo" {
		t.Errorf("Name() = %q, want servo", ch.Name())
	}

	if ch.State() != websocket.StateOpen {
		t.Errorf("State() = %s, want open", ch.State())
	}

	if d.upgradeCount("servo") != 1 {
		t.Errorf("expected 1 upgrade, got %d", d.upgradeCount("servo"))
	}

	if q := d.query("servo"); q != "" {
		t.Errorf("unauthenticated connect should carry no query, got %q", q)
	}
}

func TestConnectChannelIdempotent(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	first, err := m.ConnectChannel("sensor", rec.options())
	if err != nil {
		t.Fatalf("ConnectChannel failed: %v", err)
	}

	// While connecting.
	second, _ := m.ConnectChannel("/sensor", rec.options())

	rec.waitOpen(t)

	// While open.
	third, _ := m.ConnectChannel("sensor", rec.options())

	if first != second || first != third {
		t.Error("repeated connects must return the same handle")
	}

	time.Sleep(50 * time.Millisecond)

	if n := d.attemptCount("sensor"); n != 1 {
		t.Errorf("expected exactly one handshake, got %d", n)
	}
}

func TestConnectChannelEmptyName(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)

	if _, err := m.ConnectChannel("/", ChannelOptions{}); err == nil {
		t.Error("expected error for empty channel name")
	}
}

func TestConnectChannelCarriesToken(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	m.setToken("opaque token+1")

	rec := newRecorder()
	if _, err := m.ConnectChannel("audio", rec.options()); err != nil {
		t.Fatalf("ConnectChannel failed: %v", err)
	}

	rec.waitOpen(t)

	if q := d.query("audio"); q != "token=opaque+token%2B1" {
		t.Errorf("unexpected query %q", q)
	}
}

func TestSendImmediate(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	ch, _ := m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	if err := m.Send("servo", map[string]any{"cmd": "set", "id": 0, "angle": 90}, false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f := d.nextFrame(t)
	if f.channel != "servo" || f.data != `{"angle":90,"cmd":"set","id":0}` {
		t.Errorf("unexpected frame %+v", f)
	}

	if err := ch.Send(json.RawMessage(`{"cmd":"ping"}`), false); err != nil {
		t.Fatalf("Channel.Send failed: %v", err)
	}

	if f := d.nextFrame(t); f.data != `{"cmd":"ping"}` {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestSendUnknownChannel(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)

	for _, batch := range []bool{false, true} {
		if err := m.Send("nope", map[string]any{"a": 1}, batch); !errors.Is(err, ErrChannelNotFound) {
			t.Errorf("batch=%v: expected ErrChannelNotFound, got %v", batch, err)
		}
	}
}

func TestSendUnencodable(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)

	if err := m.Send("servo", make(chan int), false); err == nil {
		t.Error("expected marshal error")
	}
}

func TestSendNotOpen(t *testing.T) {
	d := newFakeDevice(t)
	d.setReject(true)

	m := newTestManager(t, d)
	rec := newRecorder()

	opts := rec.options()
	opts.AutoReconnect = Bool(false)

	if _, err := m.ConnectChannel("servo", opts); err != nil {
		t.Fatalf("ConnectChannel failed: %v", err)
	}

	rec.waitClose(t)

	if err := m.Send("servo", map[string]any{"a": 1}, false); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("expected ErrChannelNotOpen, got %v", err)
	}

	// Batched sends are accepted and held until the channel opens.
	if err := m.Send("servo", map[string]any{"a": 1}, true); err != nil {
		t.Errorf("batched send on closed channel should queue, got %v", err)
	}

	if n := m.Status().WebSocket["servo"].QueueSize; n != 1 {
		t.Errorf("expected 1 queued message, got %d", n)
	}
}

func TestBatchCoalesces(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	for i := 1; i <= 3; i++ {
		if err := m.Send("servo", map[string]int{"seq": i}, true); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	f := d.nextFrame(t)

	want := `{"type":"batch","messages":[{"seq":1},{"seq":2},{"seq":3}]}`
	if f.data != want {
		t.Errorf("batch frame = %s, want %s", f.data, want)
	}

	d.expectNoFrame(t, 200*time.Millisecond)
}

func TestBatchSingleMessageSentBare(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	m.Send("servo", map[string]int{"seq": 1}, true)

	if f := d.nextFrame(t); f.data != `{"seq":1}` {
		t.Errorf("single batched message should be sent bare, got %s", f.data)
	}
}

func TestBatchMaxQueueFlush(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	m.Configure(Settings{MaxQueueSize: 3, BatchInterval: time.Hour})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	for i := 1; i <= 3; i++ {
		if err := m.Send("servo", map[string]int{"seq": i}, true); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	f := d.nextFrame(t)

	var batch channels.Batch
	if err := json.Unmarshal([]byte(f.data), &batch); err != nil {
		t.Fatalf("invalid batch frame: %v", err)
	}

	if batch.Type != channels.BatchType || len(batch.Messages) != 3 {
		t.Errorf("expected a batch of 3, got %s", f.data)
	}

	if n := m.Status().WebSocket["servo"].QueueSize; n != 0 {
		t.Errorf("queue should be empty after flush, got %d", n)
	}
}

func TestBatchTimerResets(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	m.Configure(Settings{BatchInterval: 80 * time.Millisecond})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	start := time.Now()

	for i := 1; i <= 3; i++ {
		m.Send("servo", map[string]int{"seq": i}, true)
		time.Sleep(50 * time.Millisecond)
	}

	f := d.nextFrame(t)
	elapsed := time.Since(start)

	if !strings.Contains(f.data, `"messages":[{"seq":1},{"seq":2},{"seq":3}]`) {
		t.Errorf("expected all three messages in one batch, got %s", f.data)
	}

	// The last send was at ~100ms, so the flush is due at ~180ms.
	if elapsed < 150*time.Millisecond {
		t.Errorf("timer was not reset by later sends, flushed after %v", elapsed)
	}
}

func TestBatchQueuedWhileConnecting(t *testing.T) {
	d := newFakeDevice(t)
	d.gate = make(chan struct{})

	m := newTestManager(t, d)
	m.Configure(Settings{BatchInterval: 10 * time.Millisecond})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())

	m.Send("servo", map[string]int{"seq": 1}, true)
	m.Send("servo", map[string]int{"seq": 2}, true)

	// Let the flush timer fire while the handshake is held.
	time.Sleep(50 * time.Millisecond)

	if n := m.Status().WebSocket["servo"].QueueSize; n != 2 {
		t.Fatalf("expected queue to be retained while connecting, got %d", n)
	}

	close(d.gate)
	rec.waitOpen(t)

	if f := d.nextFrame(t); f.data != `{"type":"batch","messages":[{"seq":1},{"seq":2}]}` {
		t.Errorf("unexpected flush on open: %s", f.data)
	}
}

func TestReceiveMessage(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	m.ConnectChannel("sensor", rec.options())
	rec.waitOpen(t)

	d.push(t, "sensor", `{"type":"sensor_data","temperature":21.5}`)

	msg := rec.waitMessage(t)
	if msg.Type() != "sensor_data" {
		t.Errorf("Type() = %q, want sensor_data", msg.Type())
	}

	// Objects without discriminators are still delivered.
	d.push(t, "sensor", `{"temperature":22}`)

	if msg := rec.waitMessage(t); msg.Object()["temperature"] != float64(22) {
		t.Errorf("unexpected message %s", msg.Raw)
	}
}

func TestReceiveParseError(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	m.ConnectChannel("sensor", rec.options())
	rec.waitOpen(t)

	d.push(t, "sensor", "not json")

	err := rec.waitError(t)
	if !errors.Is(err, channels.ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}

	var chErr *ChannelError
	if !errors.As(err, &chErr) || chErr.Detail != DetailParse || chErr.Channel != "sensor" {
		t.Errorf("expected parse ChannelError, got %#v", err)
	}

	select {
	case msg := <-rec.messages:
		t.Errorf("unparseable frame must not be forwarded, got %s", msg.Raw)
	default:
	}

	// The channel stays usable.
	d.push(t, "sensor", `{"status":"ok"}`)

	if msg := rec.waitMessage(t); msg.Status() != "ok" {
		t.Errorf("unexpected message %s", msg.Raw)
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	ch, _ := m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	d.drop(t, "servo")

	var chErr *ChannelError
	if err := rec.waitError(t); !errors.As(err, &chErr) || chErr.Detail != DetailConnectionClosed {
		t.Errorf("expected connection closed error, got %v", err)
	}

	if ev := rec.waitClose(t); ev.code != websocket.CloseAbnormalClosure {
		t.Errorf("close code = %d, want 1006", ev.code)
	}

	rec.waitOpen(t)

	if n := d.upgradeCount("servo"); n != 2 {
		t.Errorf("expected a second handshake, got %d", n)
	}

	if ch.State() != websocket.StateOpen {
		t.Errorf("State() = %s after reconnect", ch.State())
	}
}

func TestPeerErrorCloseReconnects(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	d.closeWith(t, "servo", 1011, "overheated")

	ev := rec.waitClose(t)
	if ev.code != 1011 || ev.reason != "overheated" {
		t.Errorf("unexpected close %+v", ev)
	}

	rec.waitOpen(t)
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	ch, _ := m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	d.closeWith(t, "servo", websocket.CloseNormalClosure, "bye")

	if ev := rec.waitClose(t); ev.code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want 1000", ev.code)
	}

	time.Sleep(150 * time.Millisecond)

	if n := d.attemptCount("servo"); n != 1 {
		t.Errorf("normal closure must not reconnect, got %d handshakes", n)
	}

	if ch.State() != websocket.StateClosed {
		t.Errorf("State() = %s, want closed", ch.State())
	}

	// The record survives, so a manual reconnect works.
	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)
}

func TestAutoReconnectDisabled(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	opts := rec.options()
	opts.AutoReconnect = Bool(false)

	m.ConnectChannel("audio", opts)
	rec.waitOpen(t)

	d.drop(t, "audio")
	rec.waitClose(t)

	time.Sleep(150 * time.Millisecond)

	if n := d.attemptCount("audio"); n != 1 {
		t.Errorf("reconnect disabled, got %d handshakes", n)
	}
}

func TestDialFailureBackoff(t *testing.T) {
	d := newFakeDevice(t)
	d.setReject(true)

	m := newTestManager(t, d)
	m.Configure(Settings{
		BaseReconnectDelay: 20 * time.Millisecond,
		MaxReconnectDelay:  80 * time.Millisecond,
		ReconnectGrowth:    2,
	})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())

	var chErr *ChannelError
	if err := rec.waitError(t); !errors.As(err, &chErr) || chErr.Detail != DetailConnectionFailed {
		t.Errorf("expected connection failed error, got %v", err)
	}

	var closes []closeEvent
	for i := 0; i < 5; i++ {
		ev := rec.waitClose(t)
		if ev.code != websocket.CloseAbnormalClosure {
			t.Errorf("dial failure close code = %d, want 1006", ev.code)
		}

		closes = append(closes, ev)
	}

	// Delays: 20, 40, 80, 80 (capped).
	want := []time.Duration{20, 40, 80, 80}
	for i, w := range want {
		gap := closes[i+1].at.Sub(closes[i].at)
		if min := w * time.Millisecond * 8 / 10; gap < min {
			t.Errorf("gap %d = %v, want at least %v", i, gap, min)
		}
	}

	if got := m.Status().WebSocket["servo"].ReconnectDelay; got != 80*time.Millisecond {
		t.Errorf("reconnect delay = %v, want capped 80ms", got)
	}
}

func TestReconnectDelayResetsOnOpen(t *testing.T) {
	d := newFakeDevice(t)
	d.setReject(true)

	m := newTestManager(t, d)
	rec := newRecorder()

	m.ConnectChannel("servo", rec.options())
	rec.waitClose(t)
	rec.waitClose(t)

	if got := m.Status().WebSocket["servo"].ReconnectDelay; got <= 20*time.Millisecond {
		t.Fatalf("delay should have grown, got %v", got)
	}

	d.setReject(false)
	rec.waitOpen(t)

	if got := m.Status().WebSocket["servo"].ReconnectDelay; got != 20*time.Millisecond {
		t.Errorf("delay after open = %v, want base 20ms", got)
	}
}

func TestDisconnectChannel(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	m.Configure(Settings{BatchInterval: time.Hour})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	m.Send("servo", map[string]int{"seq": 1}, true)
	m.DisconnectChannel("/servo")

	if f := d.nextFrame(t); f.data != `{"seq":1}` {
		t.Errorf("pending batch should be flushed on disconnect, got %s", f.data)
	}

	ev := rec.waitClose(t)
	if ev.code != websocket.CloseNormalClosure || ev.reason != "Normal closure" {
		t.Errorf("unexpected close %+v", ev)
	}

	if err := m.Send("servo", map[string]int{"a": 1}, false); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound after disconnect, got %v", err)
	}

	if _, ok := m.Status().WebSocket["servo"]; ok {
		t.Error("disconnected channel should not appear in status")
	}

	// Unknown names are a no-op.
	m.DisconnectChannel("servo")
}

func TestDisconnectStopsFlushTimer(t *testing.T) {
	d := newFakeDevice(t)
	d.gate = make(chan struct{})

	m := newTestManager(t, d)
	m.Configure(Settings{BatchInterval: 30 * time.Millisecond})

	m.ConnectChannel("servo", newRecorder().options())
	waitFor(t, "handshake to start", func() bool { return d.attemptCount("servo") == 1 })

	m.Send("servo", map[string]int{"seq": 1}, true)
	m.DisconnectChannel("servo")
	close(d.gate)

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	d.expectNoFrame(t, 100*time.Millisecond)

	if n := m.Status().WebSocket["servo"].QueueSize; n != 0 {
		t.Errorf("queue survived disconnect: %d", n)
	}
}

func TestDisconnectPassesThroughClosing(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	ch, _ := m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	m.mu.Lock()
	delete(m.channels, "servo")
	detached := m.detachLocked(ch)
	m.mu.Unlock()

	if got := ch.State(); got != websocket.StateClosing {
		t.Errorf("State() before close frame = %s, want closing", got)
	}

	detached.finish()

	if got := ch.State(); got != websocket.StateClosed {
		t.Errorf("State() after close = %s, want closed", got)
	}

	if ev := rec.waitClose(t); ev.code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d", ev.code)
	}
}

// breakTransport closes the live transport without the manager noticing, so
// the next write fails.
func breakTransport(t *testing.T, m *Manager, name string) {
	t.Helper()

	m.mu.Lock()
	conn := m.channels[name].conn
	m.mu.Unlock()

	if conn == nil {
		t.Fatalf("%s has no transport", name)
	}

	conn.Close(websocket.CloseNormalClosure, "")
}

func TestBatchFlushFailureAtMaxSize(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	m.Configure(Settings{BatchInterval: time.Hour, MaxQueueSize: 2})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	breakTransport(t, m, "servo")

	if err := m.Send("servo", map[string]int{"seq": 1}, true); err != nil {
		t.Fatalf("first batched send failed: %v", err)
	}

	err := m.Send("servo", map[string]int{"seq": 2}, true)

	var ce *ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChannelError, got %v", err)
	}

	if ce.Detail != DetailFlush || ce.Channel != "servo" {
		t.Errorf("unexpected error %+v", ce)
	}

	if !errors.Is(err, websocket.ErrClosed) {
		t.Errorf("expected wrapped ErrClosed, got %v", err)
	}

	// Dropped, not requeued.
	if n := m.Status().WebSocket["servo"].QueueSize; n != 0 {
		t.Errorf("queue size after failed flush = %d, want 0", n)
	}
}

func TestBatchFlushFailureOnTimer(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	m.Configure(Settings{BatchInterval: 10 * time.Millisecond})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	breakTransport(t, m, "servo")

	if err := m.Send("servo", map[string]int{"seq": 1}, true); err != nil {
		t.Fatalf("batched send failed: %v", err)
	}

	var ce *ChannelError
	if err := rec.waitError(t); !errors.As(err, &ce) || ce.Detail != DetailFlush {
		t.Fatalf("expected flush ChannelError on OnError, got %v", err)
	}

	if n := m.Status().WebSocket["servo"].QueueSize; n != 0 {
		t.Errorf("queue size after failed flush = %d, want 0", n)
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	d := newFakeDevice(t)
	d.setReject(true)

	m := newTestManager(t, d)
	m.Configure(Settings{BaseReconnectDelay: 50 * time.Millisecond})

	rec := newRecorder()
	m.ConnectChannel("servo", rec.options())
	rec.waitClose(t)

	m.DisconnectChannel("servo")
	attempts := d.attemptCount("servo")

	time.Sleep(200 * time.Millisecond)

	if n := d.attemptCount("servo"); n != attempts {
		t.Errorf("reconnect fired after disconnect: %d -> %d handshakes", attempts, n)
	}
}

func TestChannelHandleClose(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)
	rec := newRecorder()

	ch, _ := m.ConnectChannel("servo", rec.options())
	rec.waitOpen(t)

	ch.Close()
	rec.waitClose(t)

	if err := ch.Send(map[string]int{"a": 1}, false); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound on closed handle, got %v", err)
	}

	// A stale handle must not close a newer channel with the same name.
	rec2 := newRecorder()
	m.ConnectChannel("servo", rec2.options())
	rec2.waitOpen(t)

	ch.Close()

	if m.Status().WebSocket["servo"].State != websocket.StateOpen {
		t.Error("stale handle closed the new channel")
	}
}

func TestDisconnectAllAndClose(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)

	recs := map[string]*recorder{"servo": newRecorder(), "sensor": newRecorder()}
	for name, rec := range recs {
		m.ConnectChannel(name, rec.options())
		rec.waitOpen(t)
	}

	m.DisconnectAll()

	for name, rec := range recs {
		if ev := rec.waitClose(t); ev.code != websocket.CloseNormalClosure {
			t.Errorf("%s: close code = %d", name, ev.code)
		}
	}

	if n := len(m.Status().WebSocket); n != 0 {
		t.Errorf("expected no channels, got %d", n)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := m.ConnectChannel("servo", ChannelOptions{}); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
}

func TestCallbacksMayReenterManager(t *testing.T) {
	d := newFakeDevice(t)
	m := newTestManager(t, d)

	opened := make(chan struct{}, 1)
	opts := ChannelOptions{
		OnOpen: func() {
			if err := m.Send("servo", map[string]string{"cmd": "hello"}, false); err != nil {
				t.Errorf("Send from OnOpen failed: %v", err)
			}

			// Already open: no second dial, no deadlock.
			m.ConnectChannel("servo", ChannelOptions{})
			m.Status()

			opened <- struct{}{}
		},
	}

	m.ConnectChannel("servo", opts)

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen never completed")
	}

	if f := d.nextFrame(t); f.data != `{"cmd":"hello"}` {
		t.Errorf("unexpected frame %s", f.data)
	}
}
