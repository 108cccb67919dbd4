package client

import (
	"time"

	"github.com/xiaozhi/devlink/pkg/logger"
	"github.com/xiaozhi/devlink/pkg/websocket"
)

// nextDelay grows cur by growth, capped at max.
func nextDelay(cur time.Duration, growth float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * growth)
	if next > max || next <= 0 {
		return max
	}

	return next
}

// scheduleReconnectLocked arms the reconnect timer with the current delay
// and grows the delay for the attempt after it.
func (m *Manager) scheduleReconnectLocked(ch *Channel) {
	m.stopReconnectLocked(ch)

	delay := ch.reconnectDelay
	if delay <= 0 {
		delay = m.settings.BaseReconnectDelay
	}

	if delay > m.settings.MaxReconnectDelay {
		delay = m.settings.MaxReconnectDelay
	}

	ch.reconnectDelay = nextDelay(delay, m.settings.ReconnectGrowth, m.settings.MaxReconnectDelay)

	gen := ch.reconnectGen
	ch.reconnectTimer = time.AfterFunc(delay, func() {
		m.reconnect(ch, gen)
	})

	logger.Channel(ch.name).Info("Reconnect scheduled",
		"delay", delay,
		"next_delay", ch.reconnectDelay,
	)
}

// stopReconnectLocked cancels a pending reconnect. A timer that already
// fired sees a new generation and does nothing.
func (m *Manager) stopReconnectLocked(ch *Channel) {
	if ch.reconnectTimer != nil {
		ch.reconnectTimer.Stop()
		ch.reconnectTimer = nil
	}

	ch.reconnectGen++
}

func (m *Manager) reconnect(ch *Channel, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || ch.removed || gen != ch.reconnectGen || ch.reconnectTimer == nil {
		return
	}

	ch.reconnectTimer = nil

	if ch.state == websocket.StateConnecting || ch.state == websocket.StateOpen {
		return
	}

	logger.Channel(ch.name).Info("Attempting to reconnect")
	m.startDialLocked(ch)
}
