package main

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaozhi/devlink/pkg/channels"
)

// channelSession serves one connected channel client.
type channelSession struct {
	sim  *simulator
	name string
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	subMu      sync.Mutex
	stopSensor chan struct{}
}

func (cs *channelSession) run() {
	defer cs.unsubscribe()
	//nolint:errcheck // Session is over
	defer cs.conn.Close()

	for {
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			cs.log.Info("Channel client gone", "error", err)
			return
		}

		msg, err := channels.Decode(data)
		if err != nil {
			cs.reply(map[string]any{"status": "error", "message": "invalid JSON"})
			continue
		}

		if msg.Type() == channels.BatchType {
			var batch channels.Batch
			if err := msg.Unmarshal(&batch); err != nil {
				cs.reply(map[string]any{"status": "error", "message": "invalid batch"})
				continue
			}

			cs.log.Debug("Batch received", "messages", len(batch.Messages))

			for _, raw := range batch.Messages {
				cs.handle(raw)
			}

			continue
		}

		cs.handle(msg.Raw)
	}
}

func (cs *channelSession) reply(v any) {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	//nolint:errcheck,gosec // Best effort
	cs.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	if err := cs.conn.WriteJSON(v); err != nil {
		cs.log.Warn("Write failed", "error", err)
	}
}

func (cs *channelSession) handle(raw json.RawMessage) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Cmd == "" {
		cs.reply(map[string]any{
			"type":    "echo",
			"status":  "ok",
			"channel": cs.name,
			"data":    raw,
		})

		return
	}

	cs.log.Debug("Command", "cmd", cmd.Cmd)

	switch cs.name {
	case "servo":
		cs.handleServo(cmd)
	case "sensor":
		cs.handleSensor(cmd)
	case "audio":
		cs.handleAudio(cmd)
	default:
		cs.reply(map[string]any{"type": "ack", "status": "ok", "cmd": cmd.Cmd})
	}
}

func (cs *channelSession) handleServo(cmd command) {
	switch cmd.Cmd {
	case "set":
		if !cs.sim.setServo(cmd.ID, cmd.Angle) {
			cs.reply(map[string]any{"status": "error", "message": "servo channel or angle out of range"})
			return
		}

		cs.reply(map[string]any{"type": "servo_state", "status": "ok", "id": cmd.ID, "angle": cmd.Angle})
	case "set_frequency":
		if !cs.sim.setFrequency(cmd.Frequency) {
			cs.reply(map[string]any{"status": "error", "message": "frequency out of range"})
			return
		}

		cs.reply(map[string]any{"type": "servo_frequency", "status": "ok", "frequency": cmd.Frequency})
	default:
		cs.unknown(cmd)
	}
}

func (cs *channelSession) handleSensor(cmd command) {
	switch cmd.Cmd {
	case "subscribe":
		cs.subscribe()
		cs.reply(map[string]any{"type": "subscribed", "status": "ok"})
	case "unsubscribe":
		cs.unsubscribe()
		cs.reply(map[string]any{"type": "unsubscribed", "status": "ok"})
	default:
		cs.unknown(cmd)
	}
}

func (cs *channelSession) handleAudio(cmd command) {
	s := cs.sim

	s.mu.Lock()
	switch cmd.Cmd {
	case "start_stream":
		s.streaming = true
	case "stop_stream":
		s.streaming = false
	case "volume":
		if cmd.Value == nil || *cmd.Value < 0 || *cmd.Value > 100 {
			s.mu.Unlock()
			cs.reply(map[string]any{"status": "error", "message": "volume out of range"})

			return
		}

		s.volume = *cmd.Value
	default:
		s.mu.Unlock()
		cs.unknown(cmd)

		return
	}

	state := map[string]any{"type": "audio_state", "status": "ok", "streaming": s.streaming, "volume": s.volume}
	s.mu.Unlock()

	cs.reply(state)
}

func (cs *channelSession) unknown(cmd command) {
	cs.reply(map[string]any{"status": "error", "message": "unknown command: " + cmd.Cmd})
}

func (cs *channelSession) subscribe() {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()

	if cs.stopSensor != nil {
		return
	}

	stop := make(chan struct{})
	cs.stopSensor = stop

	go func() {
		ticker := time.NewTicker(cs.sim.cfg.SensorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cs.reply(cs.sim.sensorReading())
			}
		}
	}()
}

func (cs *channelSession) unsubscribe() {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()

	if cs.stopSensor != nil {
		close(cs.stopSensor)
		cs.stopSensor = nil
	}
}
