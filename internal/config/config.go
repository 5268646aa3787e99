// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultModbusPort = 8502
	DefaultPlugPort   = 9999
)

// Config defines the global configuration structure
type Config struct {
	Device    DeviceConfig     `mapstructure:"device"`
	Listen    ListenConfig     `mapstructure:"listen"`
	Upstreams []UpstreamConfig `mapstructure:"upstreams"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Log       LogConfig        `mapstructure:"log"`
}

// DeviceConfig defines the smart plug the gateway controls
type DeviceConfig struct {
	Address   string        `mapstructure:"address"`    // IP address of the HS100/HS110 plug
	Port      int           `mapstructure:"port"`       // Control port, 9999 on every known firmware
	Timeout   time.Duration `mapstructure:"timeout"`    // Bound on one plug round trip, 0 waits forever
	RqstPause time.Duration `mapstructure:"rqst_pause"` // Minimum pause between two plug commands
}

// ListenConfig is the shorthand used when no upstreams are listed explicitly
type ListenConfig struct {
	Port       int      `mapstructure:"port"`
	Transports []string `mapstructure:"transports"` // "tcp", "udp"
}

// UpstreamConfig defines a master connecting to the gateway
type UpstreamConfig struct {
	Type   string       `mapstructure:"type"`   // "tcp", "udp", "rtu"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "tcp"
	Udp    UdpConfig    `mapstructure:"udp"`    // Used if Type is "udp"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "rtu"
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:8502"
}

// UdpConfig defines UDP settings
type UdpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:8502"
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// MetricsConfig defines the Prometheus listener
type MetricsConfig struct {
	Address string `mapstructure:"address"` // e.g. ":9108", empty disables it
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`  // Log file path, empty or "-" for stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"ipaddr":          "device.address",
	"timeout":         "device.timeout",
	"rqst_pause":      "device.rqst_pause",
	"port":            "listen.port",
	"transport":       "listen.transports",
	"metrics_address": "metrics.address",
	"log_level":       "log.level",
	"log_file":        "log.file",
}

// LoadConfig loads configuration from command line arguments, an optional config file
// and PLUGGW_* environment variables.
func LoadConfig(args []string) (*Config, error) {
	v := viper.New()

	// 1. Defaults
	v.SetDefault("device.port", DefaultPlugPort)
	v.SetDefault("device.timeout", 5*time.Second)
	v.SetDefault("device.rqst_pause", time.Duration(0))
	v.SetDefault("listen.port", DefaultModbusPort)
	v.SetDefault("listen.transports", []string{"tcp", "udp"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	// 2. Command line
	fs := pflag.NewFlagSet("plug-modbus-gateway", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("ipaddr", "i", "", "IP address of the HS100/HS110 plug.")
	fs.IntP("port", "P", DefaultModbusPort, "Port number to listen on.")
	fs.StringSliceP("transport", "t", []string{"tcp", "udp"}, "Modbus transports to serve (tcp, udp).")
	fs.DurationP("timeout", "W", 5*time.Second, "Plug response wait time, 0 waits forever.")
	fs.DurationP("rqst_pause", "R", 0, "Pause between plug commands.")
	fs.StringP("metrics_address", "m", "", "Address of the Prometheus metrics listener.")
	fs.StringP("log_level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log_file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	// 3. Environment
	v.SetEnvPrefix("PLUGGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Config file
	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/plugmodbusgw/")
		v.AddConfigPath("$HOME/.plugmodbusgw")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// flags alone are a complete configuration
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.fixup(); err != nil {
		return nil, err
	}
	return &config, nil
}

// fixup validates the configuration and fills in derived values.
func (c *Config) fixup() error {
	if c.Device.Address == "" {
		return errors.New("plug address is required (--ipaddr or device.address)")
	}
	if c.Device.Port == 0 {
		c.Device.Port = DefaultPlugPort
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultModbusPort
	}
	listenAddr := fmt.Sprintf(":%d", c.Listen.Port)

	if len(c.Upstreams) == 0 {
		for _, t := range c.Listen.Transports {
			c.Upstreams = append(c.Upstreams, UpstreamConfig{Type: strings.ToLower(strings.TrimSpace(t))})
		}
	}
	if len(c.Upstreams) == 0 {
		return errors.New("no upstreams configured")
	}

	for i := range c.Upstreams {
		us := &c.Upstreams[i]
		us.Type = strings.ToLower(us.Type)
		switch us.Type {
		case "tcp":
			if us.Tcp.Address == "" {
				us.Tcp.Address = listenAddr
			}
		case "udp":
			if us.Udp.Address == "" {
				us.Udp.Address = listenAddr
			}
		case "rtu":
			if us.Serial.Device == "" {
				return fmt.Errorf("upstream %d: rtu needs serial.device", i)
			}
			fixupSerial(&us.Serial)
		default:
			return fmt.Errorf("upstream %d: unknown type %q", i, us.Type)
		}
	}
	return nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
