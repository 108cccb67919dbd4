package client

import (
	"context"
	"fmt"
	"net/http"
)

// SystemInfo returns firmware and board information.
func (m *Manager) SystemInfo(ctx context.Context) (Response, error) {
	return m.Request(ctx, http.MethodGet, "/system/info", nil)
}

// RestartSystem asks the device to reboot.
func (m *Manager) RestartSystem(ctx context.Context) (Response, error) {
	return m.Request(ctx, http.MethodPost, "/system/restart", nil)
}

// ServoStatus returns the state of every servo channel.
func (m *Manager) ServoStatus(ctx context.Context) (Response, error) {
	return m.Request(ctx, http.MethodGet, "/servo/status", nil)
}

// SetServoAngle moves one servo over REST.
func (m *Manager) SetServoAngle(ctx context.Context, channel, angle int) (Response, error) {
	if err := validateServo(channel, angle); err != nil {
		return nil, err
	}

	return m.Request(ctx, http.MethodPost, "/servo/angle", map[string]int{
		"channel": channel,
		"angle":   angle,
	})
}

// SetServoFrequency sets the PWM frequency of the servo controller.
func (m *Manager) SetServoFrequency(ctx context.Context, frequency int) (Response, error) {
	if err := validateFrequency(frequency); err != nil {
		return nil, err
	}

	return m.Request(ctx, http.MethodPost, "/servo/frequency", map[string]int{
		"frequency": frequency,
	})
}

// DeviceConfig returns the stored device configuration.
func (m *Manager) DeviceConfig(ctx context.Context) (Response, error) {
	return m.Request(ctx, http.MethodGet, "/device/config", nil)
}

// UpdateDeviceConfig replaces the device configuration with cfg.
func (m *Manager) UpdateDeviceConfig(ctx context.Context, cfg any) (Response, error) {
	if cfg == nil {
		return nil, fmt.Errorf("device config is required")
	}

	return m.Request(ctx, http.MethodPost, "/device/config", cfg)
}

// CameraStatus reports whether a camera is attached and streaming.
func (m *Manager) CameraStatus(ctx context.Context) (Response, error) {
	return m.Request(ctx, http.MethodGet, "/camera/status", nil)
}

// CameraCapture takes a still picture.
func (m *Manager) CameraCapture(ctx context.Context) (Response, error) {
	return m.Request(ctx, http.MethodGet, "/camera/capture", nil)
}

// AISettings returns the voice assistant settings.
func (m *Manager) AISettings(ctx context.Context) (Response, error) {
	return m.Request(ctx, http.MethodGet, "/ai/settings", nil)
}

// UpdateAISettings stores new voice assistant settings.
func (m *Manager) UpdateAISettings(ctx context.Context, settings any) (Response, error) {
	if settings == nil {
		return nil, fmt.Errorf("AI settings are required")
	}

	return m.Request(ctx, http.MethodPost, "/ai/settings", settings)
}
