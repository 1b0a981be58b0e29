// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package serialport implements a serial port suitable to drive a DS2480B,
// on top of github.com/tarm/serial.
//
// The port is opened 8N1 without any exclusive lock. Changing the speed
// reopens the device since tarm/serial configures the line only on open.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3/physic"
)

// ErrTimeout is returned by Read when no byte arrived within the read
// timeout.
var ErrTimeout = errors.New("serialport: read timeout")

// Opts contains options to pass to Open.
type Opts struct {
	Speed       physic.Frequency // initial baud rate
	ReadTimeout time.Duration    // maximum wait for the first byte of a read
}

// DefaultOpts is the recommended default options for a DS2480B.
var DefaultOpts = Opts{
	Speed:       9600 * physic.Hertz,
	ReadTimeout: 200 * time.Millisecond,
}

// Open opens the serial device name, e.g. "/dev/ttyUSB0" or "COM3".
func Open(name string, opts *Opts) (*Port, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.ReadTimeout <= 0 {
		return nil, errors.New("serialport: ReadTimeout must be positive")
	}
	p := &Port{name: name, timeout: opts.ReadTimeout}
	if err := p.open(opts.Speed); err != nil {
		return nil, err
	}
	return p, nil
}

// Port is an open serial port. It implements ds2480b.Port.
type Port struct {
	mu      sync.Mutex
	name    string
	timeout time.Duration
	speed   physic.Frequency
	rw      io.ReadWriteCloser
}

func (p *Port) String() string {
	return p.name
}

// Read implements io.Reader.
//
// It returns ErrTimeout instead of an empty read.
func (p *Port) Read(b []byte) (int, error) {
	rw, err := p.conn()
	if err != nil {
		return 0, err
	}
	n, err := rw.Read(b)
	if n == 0 && len(b) != 0 && (err == nil || err == io.EOF) {
		return 0, ErrTimeout
	}
	return n, err
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	rw, err := p.conn()
	if err != nil {
		return 0, err
	}
	return rw.Write(b)
}

// SetSpeed changes the baud rate. It is a no-op if the port already runs at
// f.
func (p *Port) SetSpeed(f physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == p.speed {
		return nil
	}
	if p.rw != nil {
		if err := p.rw.Close(); err != nil {
			return fmt.Errorf("serialport: error while closing %s: %w", p.name, err)
		}
		p.rw = nil
	}
	return p.openLocked(f)
}

// Speed returns the current baud rate.
func (p *Port) Speed() physic.Frequency {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// Flush discards data received but not read.
func (p *Port) Flush() error {
	rw, err := p.conn()
	if err != nil {
		return err
	}
	if f, ok := rw.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close implements io.Closer.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rw == nil {
		return nil
	}
	err := p.rw.Close()
	p.rw = nil
	return err
}

//

func (p *Port) conn() (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rw == nil {
		return nil, fmt.Errorf("serialport: %s is closed", p.name)
	}
	return p.rw, nil
}

func (p *Port) open(f physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLocked(f)
}

func (p *Port) openLocked(f physic.Frequency) error {
	baud := int(f / physic.Hertz)
	if baud <= 0 {
		return fmt.Errorf("serialport: invalid speed %s", f)
	}
	rw, err := openPort(&serial.Config{Name: p.name, Baud: baud, ReadTimeout: p.timeout})
	if err != nil {
		return fmt.Errorf("serialport: failed to open %s: %w", p.name, err)
	}
	p.rw = rw
	p.speed = f
	return nil
}

var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}
