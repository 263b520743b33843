package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phsym/console-slog"

	"i4.energy/across/cellular/modem"
	"i4.energy/across/cellular/network"
	"i4.energy/across/cellular/socket"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("modem-address", "", "TCP address of a serial bridge, overrides the serial port")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("log-format", "json", "Log format (json, console)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.String("apn", "", "Access point name of the packet data context")
	flag.String("pdp-type", "IP", "Packet data protocol (IP, IPV6, IPV4V6)")
	flag.Bool("restart", false, "Reboot the modem before bring-up")
	flag.Bool("sync", true, "Complete the network bring-up before serving")
	flag.Bool("power-off", false, "Shut the modem down on exit")
	flag.Duration("timeout", 3*time.Minute, "Budget of blocking modem operations, 0 is unbounded")
	flag.String("mqtt-broker", "", "MQTT broker URL, empty disables MQTT")
	flag.String("tls-ca-file", "", "PEM bundle provisioned for TLS probes")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, config.LogLevel, config.LogFormat)

	certs := socket.DefaultCerts()
	if config.TLSCAFile != "" {
		pem, err := os.ReadFile(config.TLSCAFile)
		if err != nil {
			logger.Error("Failed to read CA file", "error", err)
			os.Exit(1)
		}
		if certs, err = socket.CertsFromPEM(pem, socket.KindCACert); err != nil {
			logger.Error("Failed to parse CA file", "file", config.TLSCAFile, "error", err)
			os.Exit(1)
		}
	}

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithStepTimeout(config.Timeout).
		WithLogger(logger).
		WithDialer(dialer(config)).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := m.Loop(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Modem loop stopped", "error", err)
			cancel()
		}
	}()

	gw := NewGateway(m, modemConfig.Driver(), GatewayOptions{
		Network: network.Options{
			PIN:      config.SimPIN,
			Protocol: config.PDPType,
			APN:      config.APN,
			Username: config.Username,
			Password: config.Password,
			Restart:  config.Restart,
			Sync:     config.Sync,
		},
		Certs:      certs,
		RatePerMin: config.RatePerMin,
		MaxRetries: config.MaxRetries,
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-m.URC():
				gw.HandleURC(line)
			}
		}
	}()

	logger.Info("Starting cellular gateway", "serial_port", config.SerialPort, "modem_address", config.ModemAddress)
	if err := gw.Start(ctx); err != nil {
		logger.Error("Network bring-up failed", "error", err)
	}
	go gw.Run(ctx)

	if config.MQTTBroker != "" {
		bridge := &Bridge{
			Logger:     logger.With("component", "mqtt"),
			Gateway:    gw,
			Topic:      config.MQTTTopic,
			InboxTopic: config.MQTTInboxTopic,
		}
		if err := bridge.Connect(config); err != nil {
			logger.Error("MQTT connect failed", "broker", config.MQTTBroker, "error", err)
		}
		if config.MQTTInboxTopic != "" && config.InboxInterval > 0 {
			go bridge.PollInbox(ctx, config.InboxInterval)
		}
		defer bridge.Disconnect()
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.With("component", "server"),
			Modem:  gw,
		},
	}

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
	}

	if config.PowerOff {
		logger.Info("Powering modem off")
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to power modem off", "error", err)
		}
	}

	stats := m.Stats()
	logger.Info("Closing modem connection",
		"commands", stats.CommandsIssued,
		"errors", stats.CommandErrors,
		"timeouts", stats.CommandTimeouts,
		"urcs_dropped", stats.URCsDropped)
	if err := m.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	if format == "console" {
		return slog.New(console.NewHandler(w, &console.HandlerOptions{Level: logLevel}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

func dialer(config *Config) modem.Dialer {
	if config.ModemAddress != "" {
		return modem.NetDialer{Address: config.ModemAddress, Timeout: 10 * time.Second}
	}
	mode := modem.DefaultSerialMode
	mode.BaudRate = config.BaudRate
	return modem.SerialDialer{PortName: config.SerialPort, Mode: &mode}
}
