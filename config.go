package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int
	// ModemAddress reaches the modem through a TCP serial bridge instead of
	// SerialPort when set (e.g. "192.168.1.10:2000")
	ModemAddress string
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// LogFormat selects the log handler ("json" or "console")
	LogFormat string
	// SimPIN is the SIM card PIN code
	SimPIN string

	// APN is the access point name of the packet data context
	APN string
	// PDPType is the packet data protocol ("IP", "IPV6", "IPV4V6")
	PDPType string
	// Username and Password authenticate against the APN
	Username string
	Password string
	// Restart reboots the modem before bring-up
	Restart bool
	// Sync runs the bring-up before the server starts
	Sync bool
	// PowerOff shuts the modem down when the gateway exits
	PowerOff bool
	// Timeout bounds every blocking modem operation, 0 is unbounded
	Timeout time.Duration

	// MQTTBroker enables MQTT ingress when set (e.g. "tcp://localhost:1883")
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	// MQTTInboxTopic receives unread messages as they are polled
	MQTTInboxTopic string
	MQTTUsername   string
	MQTTPassword   string
	// InboxInterval is the period of the unread message poll, 0 disables it
	InboxInterval time.Duration

	// RatePerMin limits queued sends
	RatePerMin int
	// MaxRetries is the number of retries of a queued send
	MaxRetries int

	// TLSCAFile is a PEM bundle provisioned for TLS probes
	TLSCAFile string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.LogFormat = "json"
		c.PDPType = "IP"
		c.Sync = true
		c.Timeout = 3 * time.Minute
		c.MQTTClientID = "cellular-gw-1"
		c.MQTTTopic = "sms/send"
		c.InboxInterval = 30 * time.Second
		c.RatePerMin = 30
		c.MaxRetries = 3
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		str := map[string]*string{
			"BIND_ADDRESS":     &c.BindAddress,
			"SERIAL_PORT":      &c.SerialPort,
			"MODEM_ADDRESS":    &c.ModemAddress,
			"LOG_LEVEL":        &c.LogLevel,
			"LOG_FORMAT":       &c.LogFormat,
			"SIM_PIN":          &c.SimPIN,
			"APN":              &c.APN,
			"PDP_TYPE":         &c.PDPType,
			"APN_USERNAME":     &c.Username,
			"APN_PASSWORD":     &c.Password,
			"MQTT_BROKER":      &c.MQTTBroker,
			"MQTT_CLIENT_ID":   &c.MQTTClientID,
			"MQTT_TOPIC":       &c.MQTTTopic,
			"MQTT_INBOX_TOPIC": &c.MQTTInboxTopic,
			"MQTT_USERNAME":    &c.MQTTUsername,
			"MQTT_PASSWORD":    &c.MQTTPassword,
			"TLS_CA_FILE":      &c.TLSCAFile,
		}
		for key, dst := range str {
			if v := os.Getenv(key); v != "" {
				*dst = v
			}
		}

		ints := map[string]*int{
			"BAUD_RATE":    &c.BaudRate,
			"RATE_PER_MIN": &c.RatePerMin,
			"MAX_RETRIES":  &c.MaxRetries,
		}
		for key, dst := range ints {
			if v := os.Getenv(key); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
				}
			}
		}

		bools := map[string]*bool{
			"RESTART":   &c.Restart,
			"SYNC":      &c.Sync,
			"POWER_OFF": &c.PowerOff,
		}
		for key, dst := range bools {
			if v := os.Getenv(key); v != "" {
				if b, err := strconv.ParseBool(v); err == nil {
					*dst = b
				}
			}
		}

		durations := map[string]*time.Duration{
			"TIMEOUT":        &c.Timeout,
			"INBOX_INTERVAL": &c.InboxInterval,
		}
		for key, dst := range durations {
			if v := os.Getenv(key); v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					*dst = d
				}
			}
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			v := f.Value.String()
			switch f.Name {
			case "bind-address":
				c.BindAddress = v
			case "serial-port":
				c.SerialPort = v
			case "baud-rate":
				if b, err := strconv.Atoi(v); err == nil {
					c.BaudRate = b
				}
			case "modem-address":
				c.ModemAddress = v
			case "log-level":
				c.LogLevel = v
			case "log-format":
				c.LogFormat = v
			case "sim-pin":
				c.SimPIN = v
			case "apn":
				c.APN = v
			case "pdp-type":
				c.PDPType = v
			case "restart":
				if b, err := strconv.ParseBool(v); err == nil {
					c.Restart = b
				}
			case "sync":
				if b, err := strconv.ParseBool(v); err == nil {
					c.Sync = b
				}
			case "power-off":
				if b, err := strconv.ParseBool(v); err == nil {
					c.PowerOff = b
				}
			case "timeout":
				if d, err := time.ParseDuration(v); err == nil {
					c.Timeout = d
				}
			case "mqtt-broker":
				c.MQTTBroker = v
			case "tls-ca-file":
				c.TLSCAFile = v
			}
		})
		return nil
	}
}
