// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store types
const (
	StoreCounter = "counter"
	StoreTable   = "table"
)

// Config defines the global configuration structure
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// ServerConfig defines the modbus server identity and dispatch behaviour
type ServerConfig struct {
	UnitID         int           `mapstructure:"unit_id"`         // 1..247
	Timeout        time.Duration `mapstructure:"timeout"`         // request -> response budget
	Broadcast      bool          `mapstructure:"broadcast"`       // execute unit id 0 requests
	InputRegisters bool          `mapstructure:"input_registers"` // also serve 0x04 from the store
}

// StoreConfig defines the register store served by the workers
type StoreConfig struct {
	Type    string `mapstructure:"type"`    // "counter", "table"
	Initial uint16 `mapstructure:"initial"` // counter start value / table fill value
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device     string        `mapstructure:"device"`
	BaudRate   int           `mapstructure:"baud_rate"`
	DataBits   int           `mapstructure:"data_bits"`
	Parity     string        `mapstructure:"parity"`
	StopBits   int           `mapstructure:"stop_bits"`
	Timeout    time.Duration `mapstructure:"timeout"`     // read poll interval
	FrameDelay time.Duration `mapstructure:"frame_delay"` // inter-frame silence, 0 = 3.5 chars

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// LoadConfig loads configuration from file and command line flags.
// args are the command line arguments without the program name.
func LoadConfig(args []string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.timeout", 500*time.Millisecond)
	v.SetDefault("server.unit_id", 26)
	v.SetDefault("server.timeout", 2000*time.Millisecond)
	v.SetDefault("store.type", StoreCounter)
	v.SetDefault("log.level", "info")

	flags := pflag.NewFlagSet("modbus-rtu-server", pflag.ContinueOnError)
	configFile := flags.StringP("config", "c", "", "Configuration file path.")
	flags.StringP("device", "p", v.GetString("serial.device"), "Serial port device name.")
	flags.IntP("baud_rate", "s", v.GetInt("serial.baud_rate"), "Serial port speed.")
	flags.IntP("unit_id", "u", v.GetInt("server.unit_id"), "Modbus unit id served.")
	flags.DurationP("timeout", "W", v.GetDuration("server.timeout"), "Request to response budget.")
	flags.StringP("log_level", "v", v.GetString("log.level"), "Log verbosity level (debug, info, warn, error).")
	flags.StringP("log_file", "L", v.GetString("log.file"), "Log file name ('-' for logging to STDOUT only).")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	for key, flag := range map[string]string{
		"serial.device":    "device",
		"serial.baud_rate": "baud_rate",
		"server.unit_id":   "unit_id",
		"server.timeout":   "timeout",
		"log.level":        "log_level",
		"log.file":         "log_file",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusrtu/")
		v.AddConfigPath("$HOME/.modbusrtu")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// flags and defaults are enough to run unless a file was asked for
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || *configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	fixupSerial(&config.Serial)
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Server.UnitID < 1 || c.Server.UnitID > 247 {
		return fmt.Errorf("invalid unit id %d: must be within 1..247", c.Server.UnitID)
	}
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 2000 * time.Millisecond
	}
	c.Store.Type = strings.ToLower(c.Store.Type)
	switch c.Store.Type {
	case StoreCounter, StoreTable:
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("invalid parity %q", c.Serial.Parity)
	}
	return nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
