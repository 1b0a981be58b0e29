// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package example implements a 1-wire bus scanner over a DS2480B, the
// library behind a small command line tool.
//
// Scan lists every ROM code found on the bus, one per line:
//
//	28.0000000e41ac.0e DS18B20 ██
//
// The swatch color is stable per family so mixed busses are easy to read.
package example

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"time"

	"github.com/GermanBionicSystems/onewire/ds2480b"
	"github.com/GermanBionicSystems/onewire/serialport"
	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/onewire/onewirereg"
	"periph.io/x/host/v3"
)

// Scan loads the configuration at configPath, searches the bus and writes the
// devices found to w.
//
// An empty configPath uses DefaultConfig. Logs go to stderr.
func Scan(configPath string, w io.Writer) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		TimeFormat: time.RFC3339,
	}).Level(cfg.LogLevel).With().Timestamp().Str("app", "ds2480b-scan").Logger()
	return run(cfg, w, logger)
}

func run(cfg Config, w io.Writer, logger zerolog.Logger) error {
	// Make sure periph is initialized.
	if _, err := hostInit(); err != nil {
		return err
	}

	name := "DS2480B(" + cfg.Port + ")"
	opener := func() (onewire.BusCloser, error) {
		p, err := openPort(cfg.Port, &cfg.Serial)
		if err != nil {
			return nil, err
		}
		opts := cfg.Bus
		opts.Logger = &logger
		d, err := ds2480b.New(p, &opts)
		if err != nil {
			if c, ok := p.(io.Closer); ok {
				_ = c.Close()
			}
			return nil, err
		}
		return d, nil
	}
	if err := onewirereg.Register(name, nil, -1, opener); err != nil {
		return err
	}
	defer func() {
		_ = onewirereg.Unregister(name)
	}()

	bus, err := onewirereg.Open(name)
	if err != nil {
		return err
	}
	defer bus.Close()
	logger.Info().Str("port", cfg.Port).Bool("alarm_only", cfg.AlarmOnly).Msg("searching")

	found, err := bus.Search(cfg.AlarmOnly)
	// Devices found before an error are still listed.
	var buf bytes.Buffer
	for _, a := range found {
		writeAddress(&buf, a)
	}
	if _, werr := buf.WriteTo(w); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return err
	}
	logger.Info().Int("devices", len(found)).Msg("search done")
	return nil
}

// writeAddress writes one listing line for a.
func writeAddress(buf *bytes.Buffer, a onewire.Address) {
	family := byte(a)
	serial := uint64(a) >> 8 & 0xffffffffffff
	crc := byte(a >> 56)
	fmt.Fprintf(buf, "%02x.%012x.%02x %-8s %s\033[0m\n", family, serial, crc, familyName(family), ansi256.Default.Block(familyColor(family)))
}

func familyName(f byte) string {
	if n, ok := families[f]; ok {
		return n
	}
	return "unknown"
}

// familyColor spreads family codes around the hue circle.
func familyColor(f byte) color.NRGBA {
	h := int(f) * 47 % 360
	x := byte(255 * (60 - abs(h%120-60)) / 60)
	switch h / 60 {
	case 0:
		return color.NRGBA{255, x, 0, 255}
	case 1:
		return color.NRGBA{x, 255, 0, 255}
	case 2:
		return color.NRGBA{0, 255, x, 255}
	case 3:
		return color.NRGBA{0, x, 255, 255}
	case 4:
		return color.NRGBA{x, 0, 255, 255}
	default:
		return color.NRGBA{255, 0, x, 255}
	}
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

var families = map[byte]string{
	0x01: "DS2401",
	0x05: "DS2405",
	0x10: "DS18S20",
	0x12: "DS2406",
	0x1d: "DS2423",
	0x20: "DS2450",
	0x22: "DS1822",
	0x26: "DS2438",
	0x28: "DS18B20",
	0x29: "DS2408",
	0x2d: "DS2431",
	0x3a: "DS2413",
	0x3b: "DS1825",
	0x42: "DS28EA00",
}

var hostInit = host.Init

var openPort = func(name string, opts *serialport.Opts) (ds2480b.Port, error) {
	return serialport.Open(name, opts)
}
