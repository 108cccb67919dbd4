// Package main provides devsim, a stand-in for the device firmware's web
// server: the REST API under /api and the channels under /ws.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/xiaozhi/devlink/pkg/logger"
)

func main() {
	port := flag.Int("port", 8080, "Listen port")
	user := flag.String("user", "admin", "Accepted username")
	pass := flag.String("password", "admin", "Accepted password")
	secret := flag.String("secret", "devsim-secret", "JWT signing secret")
	requireAuth := flag.Bool("require-auth", false, "Reject API calls and channels without a valid token")
	sensorEvery := flag.Duration("sensor-interval", time.Second, "Interval between sensor readings")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger.Init(*logLevel, "text")

	sim := newSimulator(simConfig{
		Username:       *user,
		Password:       *pass,
		Secret:         *secret,
		RequireAuth:    *requireAuth,
		SensorInterval: *sensorEvery,
		TokenTTL:       24 * time.Hour,
	})

	addr := fmt.Sprintf(":%d", *port)

	logger.Info("Device simulator starting", "addr", addr, "require_auth", *requireAuth)
	logger.Info("Endpoints: /api/{system,servo,device,camera,ai,auth}/..., /ws/{servo,sensor,audio,...}")

	server := &http.Server{
		Addr:              addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
