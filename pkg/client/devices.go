package client

import (
	"fmt"
	"time"
)

// Channel names served by the device firmware.
const (
	ChannelServo    = "servo"
	ChannelSensor   = "sensor"
	ChannelAudio    = "audio"
	ChannelCamera   = "camera"
	ChannelSystem   = "system"
	ChannelLocation = "location"
	ChannelAI       = "ai"
	ChannelVehicle  = "vehicle"
)

// Servo limits accepted by the controller.
const (
	MaxServoChannel = 15
	MaxServoAngle   = 180
	MinServoFreq    = 50
	MaxServoFreq    = 300
	MaxAudioVolume  = 100
)

var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}

// ServoCommand moves a servo over the servo channel.
type ServoCommand struct {
	Cmd       string `json:"cmd"`
	ID        int    `json:"id"`
	Angle     int    `json:"angle"`
	Timestamp int64  `json:"timestamp"`
}

// FrequencyCommand sets the servo PWM frequency.
type FrequencyCommand struct {
	Cmd       string `json:"cmd"`
	Frequency int    `json:"frequency"`
	Timestamp int64  `json:"timestamp"`
}

// StreamCommand controls a streaming channel (sensor and audio).
type StreamCommand struct {
	Cmd       string `json:"cmd"`
	Value     *int   `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func validateServo(channel, angle int) error {
	if channel < 0 || channel > MaxServoChannel {
		return fmt.Errorf("%w: servo channel %d not in 0-%d", ErrOutOfRange, channel, MaxServoChannel)
	}

	if angle < 0 || angle > MaxServoAngle {
		return fmt.Errorf("%w: servo angle %d not in 0-%d", ErrOutOfRange, angle, MaxServoAngle)
	}

	return nil
}

func validateFrequency(frequency int) error {
	if frequency < MinServoFreq || frequency > MaxServoFreq {
		return fmt.Errorf("%w: frequency %d not in %d-%d", ErrOutOfRange, frequency, MinServoFreq, MaxServoFreq)
	}

	return nil
}

// ConnectServo opens the servo channel. Reconnection is always on.
func (m *Manager) ConnectServo(opts ChannelOptions) (*Channel, error) {
	opts.AutoReconnect = Bool(true)
	return m.ConnectChannel(ChannelServo, opts)
}

// MoveServo sends a servo "set" command. Batched moves are coalesced with
// other batched commands into one frame.
func (m *Manager) MoveServo(channel, angle int, batch bool) error {
	if err := validateServo(channel, angle); err != nil {
		return err
	}

	return m.Send(ChannelServo, ServoCommand{
		Cmd:       "set",
		ID:        channel,
		Angle:     angle,
		Timestamp: nowMillis(),
	}, batch)
}

// SetServoFrequencyLive changes the PWM frequency over the servo channel.
func (m *Manager) SetServoFrequencyLive(frequency int) error {
	if err := validateFrequency(frequency); err != nil {
		return err
	}

	return m.Send(ChannelServo, FrequencyCommand{
		Cmd:       "set_frequency",
		Frequency: frequency,
		Timestamp: nowMillis(),
	}, false)
}

// ConnectSensor opens the sensor channel and subscribes to readings every
// time it opens, before opts.OnOpen runs. Reconnection is always on.
func (m *Manager) ConnectSensor(opts ChannelOptions) (*Channel, error) {
	opts.AutoReconnect = Bool(true)

	onOpen := opts.OnOpen
	opts.OnOpen = func() {
		if err := m.streamCommand(ChannelSensor, "subscribe", nil); err != nil {
			opts.emitError(&ChannelError{Channel: ChannelSensor, Detail: "Subscribe failed", Err: err})
		}

		if onOpen != nil {
			onOpen()
		}
	}

	return m.ConnectChannel(ChannelSensor, opts)
}

// UnsubscribeSensor stops sensor readings without closing the channel.
func (m *Manager) UnsubscribeSensor() error {
	return m.streamCommand(ChannelSensor, "unsubscribe", nil)
}

// ConnectAudio opens the audio channel. Reconnection is always on.
func (m *Manager) ConnectAudio(opts ChannelOptions) (*Channel, error) {
	opts.AutoReconnect = Bool(true)
	return m.ConnectChannel(ChannelAudio, opts)
}

// StartAudioStream asks the device to start streaming audio.
func (m *Manager) StartAudioStream() error {
	return m.streamCommand(ChannelAudio, "start_stream", nil)
}

// StopAudioStream stops the audio stream.
func (m *Manager) StopAudioStream() error {
	return m.streamCommand(ChannelAudio, "stop_stream", nil)
}

// SetAudioVolume sets the speaker volume, 0-100.
func (m *Manager) SetAudioVolume(volume int) error {
	if volume < 0 || volume > MaxAudioVolume {
		return fmt.Errorf("%w: volume %d not in 0-%d", ErrOutOfRange, volume, MaxAudioVolume)
	}

	return m.streamCommand(ChannelAudio, "volume", &volume)
}

func (m *Manager) streamCommand(channel, cmd string, value *int) error {
	return m.Send(channel, StreamCommand{
		Cmd:       cmd,
		Value:     value,
		Timestamp: nowMillis(),
	}, false)
}
