package main

import (
	"encoding/json"
	"maps"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaozhi/devlink/pkg/auth"
	"github.com/xiaozhi/devlink/pkg/logger"
)

type simConfig struct {
	Username       string
	Password       string
	Secret         string
	RequireAuth    bool
	SensorInterval time.Duration
	TokenTTL       time.Duration
}

// simulator holds the fake device state shared by the API and channels.
type simulator struct {
	cfg       simConfig
	upgrader  websocket.Upgrader
	startTime time.Time

	mu           sync.Mutex
	servos       [16]int
	frequency    int
	deviceConfig map[string]any
	aiSettings   map[string]any
	volume       int
	streaming    bool
}

func newSimulator(cfg simConfig) *simulator {
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = time.Second
	}

	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	s := &simulator{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		frequency: 50,
		deviceConfig: map[string]any{
			"name":    "xiaozhi-sim",
			"wifi":    map[string]any{"mode": "ap", "ssid": "xiaozhi"},
			"led":     true,
			"volume":  70,
			"version": "sim",
		},
		aiSettings: map[string]any{"wake_word": "xiaozhi", "language": "zh-CN"},
		volume:     70,
	}

	for i := range s.servos {
		s.servos[i] = 90
	}

	return s
}

// Handler routes the REST API and channels.
func (s *simulator) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/system/info", s.authed(s.systemInfo))
	mux.HandleFunc("POST /api/system/restart", s.authed(s.restart))
	mux.HandleFunc("GET /api/servo/status", s.authed(s.servoStatus))
	mux.HandleFunc("POST /api/servo/angle", s.authed(s.servoAngle))
	mux.HandleFunc("POST /api/servo/frequency", s.authed(s.servoFrequency))
	mux.HandleFunc("GET /api/device/config", s.authed(s.getDeviceConfig))
	mux.HandleFunc("POST /api/device/config", s.authed(s.setDeviceConfig))
	mux.HandleFunc("GET /api/camera/status", s.authed(s.cameraStatus))
	mux.HandleFunc("GET /api/camera/capture", s.authed(s.cameraCapture))
	mux.HandleFunc("GET /api/ai/settings", s.authed(s.getAISettings))
	mux.HandleFunc("POST /api/ai/settings", s.authed(s.setAISettings))
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/logout", s.authed(s.logout))
	mux.HandleFunc("/ws/", s.handleChannel)

	return mux
}

type apiFunc func(r *http.Request) (int, any)

func (s *simulator) authed(fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequireAuth && !s.validToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")) {
			writeJSON(w, r, http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}

		status, body := fn(r)
		writeJSON(w, r, status, body)
	}
}

func (s *simulator) validToken(token string) bool {
	if token == "" {
		return false
	}

	_, err := auth.Verify(token, s.cfg.Secret)

	return err == nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Error encoding response", "error", err)
	}

	logger.Debug("API request", "method", r.Method, "path", r.URL.Path, "status", status)
}

func errorBody(message string) map[string]any {
	return map[string]any{"status": "error", "message": message}
}

func success(fields map[string]any) map[string]any {
	body := map[string]any{"status": "success"}
	for k, v := range fields {
		body[k] = v
	}

	return body
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *simulator) systemInfo(_ *http.Request) (int, any) {
	return http.StatusOK, success(map[string]any{
		"data": map[string]any{
			"firmware":  "devsim",
			"board":     "esp32s3-sim",
			"uptime_s":  int(time.Since(s.startTime).Seconds()),
			"free_heap": 182340,
		},
	})
}

func (s *simulator) restart(_ *http.Request) (int, any) {
	logger.Info("Restart requested")
	return http.StatusOK, success(map[string]any{"message": "restarting"})
}

func (s *simulator) servoStatus(_ *http.Request) (int, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	servos := make([]map[string]int, len(s.servos))
	for i, angle := range s.servos {
		servos[i] = map[string]int{"id": i, "angle": angle}
	}

	return http.StatusOK, success(map[string]any{"frequency": s.frequency, "servos": servos})
}

func (s *simulator) servoAngle(r *http.Request) (int, any) {
	var req struct {
		Channel int `json:"channel"`
		Angle   int `json:"angle"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, errorBody("invalid JSON")
	}

	if !s.setServo(req.Channel, req.Angle) {
		return http.StatusBadRequest, errorBody("servo channel or angle out of range")
	}

	return http.StatusOK, success(map[string]any{"channel": req.Channel, "angle": req.Angle})
}

func (s *simulator) servoFrequency(r *http.Request) (int, any) {
	var req struct {
		Frequency int `json:"frequency"`
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, errorBody("invalid JSON")
	}

	if !s.setFrequency(req.Frequency) {
		return http.StatusBadRequest, errorBody("frequency out of range")
	}

	return http.StatusOK, success(map[string]any{"frequency": req.Frequency})
}

func (s *simulator) getDeviceConfig(_ *http.Request) (int, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return http.StatusOK, success(map[string]any{"config": maps.Clone(s.deviceConfig)})
}

func (s *simulator) setDeviceConfig(r *http.Request) (int, any) {
	var cfg map[string]any
	if err := decodeBody(r, &cfg); err != nil {
		return http.StatusBadRequest, errorBody("invalid JSON")
	}

	s.mu.Lock()
	for k, v := range cfg {
		s.deviceConfig[k] = v
	}
	s.mu.Unlock()

	return http.StatusOK, success(map[string]any{"message": "config saved"})
}

func (s *simulator) cameraStatus(_ *http.Request) (int, any) {
	return http.StatusOK, success(map[string]any{"available": false, "streaming": false})
}

func (s *simulator) cameraCapture(_ *http.Request) (int, any) {
	return http.StatusServiceUnavailable, errorBody("camera not available")
}

func (s *simulator) getAISettings(_ *http.Request) (int, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return http.StatusOK, success(map[string]any{"settings": maps.Clone(s.aiSettings)})
}

func (s *simulator) setAISettings(r *http.Request) (int, any) {
	var settings map[string]any
	if err := decodeBody(r, &settings); err != nil {
		return http.StatusBadRequest, errorBody("invalid JSON")
	}

	s.mu.Lock()
	for k, v := range settings {
		s.aiSettings[k] = v
	}
	s.mu.Unlock()

	return http.StatusOK, success(nil)
}

func (s *simulator) login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &creds); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}

	if creds.Username != s.cfg.Username || creds.Password != s.cfg.Password {
		logger.Warn("Login rejected", "username", creds.Username)
		writeJSON(w, r, http.StatusOK, errorBody("invalid credentials"))

		return
	}

	token, err := auth.Issue(creds.Username, s.cfg.Secret, s.cfg.TokenTTL)
	if err != nil {
		writeJSON(w, r, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	logger.Info("Login accepted", "username", creds.Username)
	writeJSON(w, r, http.StatusOK, success(map[string]any{"token": token}))
}

func (s *simulator) logout(_ *http.Request) (int, any) {
	return http.StatusOK, success(map[string]any{"message": "logged out"})
}

func (s *simulator) setServo(id, angle int) bool {
	if id < 0 || id >= len(s.servos) || angle < 0 || angle > 180 {
		return false
	}

	s.mu.Lock()
	s.servos[id] = angle
	s.mu.Unlock()

	return true
}

func (s *simulator) setFrequency(freq int) bool {
	if freq < 50 || freq > 300 {
		return false
	}

	s.mu.Lock()
	s.frequency = freq
	s.mu.Unlock()

	return true
}

// sensorReading returns a slowly varying fake reading.
func (s *simulator) sensorReading() map[string]any {
	t := time.Since(s.startTime).Seconds()

	return map[string]any{
		"type":        "sensor_data",
		"status":      "ok",
		"temperature": math.Round((22+2*math.Sin(t/30))*10) / 10,
		"humidity":    math.Round((45+5*math.Cos(t/45))*10) / 10,
		"timestamp":   time.Now().UnixMilli(),
	}
}

// command is the union of the commands the channels accept.
type command struct {
	Cmd       string `json:"cmd"`
	ID        int    `json:"id"`
	Angle     int    `json:"angle"`
	Frequency int    `json:"frequency"`
	Value     *int   `json:"value"`
}

func (s *simulator) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/ws/")

	if s.cfg.RequireAuth && !s.validToken(r.URL.Query().Get("token")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade failed", "channel", name, "error", err)
		return
	}

	sess := &channelSession{sim: s, name: name, conn: conn, log: logger.Channel(name)}
	sess.log.Info("Channel client connected", "remote", r.RemoteAddr)
	sess.run()
}
