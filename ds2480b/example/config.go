// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package example

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/GermanBionicSystems/onewire/ds2480b"
	"github.com/GermanBionicSystems/onewire/serialport"
	"github.com/rs/zerolog"
)

// Config is the scan program configuration.
type Config struct {
	Port      string // serial device the DS2480B is attached to
	AlarmOnly bool   // only list devices in alarm state
	Serial    serialport.Opts
	Bus       ds2480b.Opts
	LogLevel  zerolog.Level
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Port:     defaultPort(),
		Serial:   serialport.DefaultOpts,
		Bus:      ds2480b.DefaultOpts,
		LogLevel: zerolog.InfoLevel,
	}
}

type fileConfig struct {
	Port         string `toml:"port"`
	ReadTimeout  string `toml:"read_timeout"`
	AlarmOnly    bool   `toml:"alarm_only"`
	Slew         string `toml:"slew"`
	Write1Low    string `toml:"write1_low"`
	SampleOffset string `toml:"sample_offset"`
	LogLevel     string `toml:"log_level"`
}

// LoadConfig reads a TOML file. Keys absent from the file keep their
// DefaultConfig value.
//
//	port = "/dev/ttyUSB0"
//	read_timeout = "200ms"
//	alarm_only = false
//	slew = "1.37V/us"
//	write1_low = "10us"
//	sample_offset = "8us"
//	log_level = "debug"
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load scan config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return Config{}, fmt.Errorf("load scan config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		if p := strings.TrimSpace(raw.Port); p != "" {
			cfg.Port = p
		}
	}

	if meta.IsDefined("read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse read_timeout: %w", err)
		}
		cfg.Serial.ReadTimeout = d
	}

	if meta.IsDefined("alarm_only") {
		cfg.AlarmOnly = raw.AlarmOnly
	}

	if meta.IsDefined("slew") {
		s, ok := slewRates[strings.TrimSpace(raw.Slew)]
		if !ok {
			return Config{}, fmt.Errorf("parse slew: unknown rate %q", raw.Slew)
		}
		cfg.Bus.Slew = s
	}

	if meta.IsDefined("write1_low") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Write1Low))
		if err != nil {
			return Config{}, fmt.Errorf("parse write1_low: %w", err)
		}
		cfg.Bus.Write1Low = d
	}

	if meta.IsDefined("sample_offset") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SampleOffset))
		if err != nil {
			return Config{}, fmt.Errorf("parse sample_offset: %w", err)
		}
		cfg.Bus.SampleOffset = d
	}

	if meta.IsDefined("log_level") {
		l, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = l
	}

	return cfg, nil
}

var slewRates = map[string]ds2480b.SlewRate{
	"15V/us":   ds2480b.Slew15Vus,
	"2.2V/us":  ds2480b.Slew2p2Vus,
	"1.65V/us": ds2480b.Slew1p65Vus,
	"1.37V/us": ds2480b.Slew1p37Vus,
	"1.1V/us":  ds2480b.Slew1p1Vus,
	"0.83V/us": ds2480b.Slew0p83Vus,
	"0.7V/us":  ds2480b.Slew0p7Vus,
	"0.55V/us": ds2480b.Slew0p55Vus,
}

func defaultPort() string {
	if runtime.GOOS == "windows" {
		return "COM1"
	}
	return "/dev/ttyUSB0"
}
