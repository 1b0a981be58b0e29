// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2480btest is meant to be used to test drivers over a simulated
// DS2480B serial to 1-wire bridge.
package ds2480btest

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// ErrTimeout is returned by Read when the chip has nothing to send.
var ErrTimeout = errors.New("ds2480btest: read timeout")

// Chip simulates a DS2480B with devices attached to its 1-wire bus. It
// implements ds2480b.Port.
//
// The zero value is a chip that just powered up with an empty bus.
type Chip struct {
	sync.Mutex
	// Devices present on the bus.
	Devices []onewire.Address
	// Alarming is the subset of Devices in alarm state.
	Alarming []onewire.Address
	// Shorted makes 1-wire resets report a short.
	Shorted bool
	// Reply is what the devices send when the host reads bytes in data mode.
	Reply []byte
	// Notify injects one unsolicited presence byte after the next
	// configuration response.
	Notify bool
	// BadResets is the number of following 1-wire resets answered with a
	// byte lacking the chip signature.
	BadResets int
	// RejectPulse makes the chip refuse to arm the strong pull-up.
	RejectPulse bool
	// CorruptSearch flips a ROM bit in search responses.
	CorruptSearch bool
	// BadEcho makes the next search command echo back inverted.
	BadEcho bool
	// Garbage makes the chip answer every byte with 0xff, as a device that
	// is not a DS2480B would.
	Garbage bool
	// Mute makes the chip never answer.
	Mute bool

	// W is every byte written to the chip.
	W []byte
	// Speeds is every baud rate set.
	Speeds []physic.Frequency
	// Breaks is the number of breaks received.
	Breaks int

	speed      physic.Frequency
	dataMode   bool
	calibrated bool
	pendingE3  bool
	accel      bool
	alarm      bool
	pulse      bool
	frame      []byte
	params     [8]byte
	out        []byte
	closed     bool
}

func (c *Chip) String() string {
	return "ds2480btest"
}

// Read implements io.Reader.
func (c *Chip) Read(b []byte) (int, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return 0, errors.New("ds2480btest: closed")
	}
	if len(c.out) == 0 {
		return 0, ErrTimeout
	}
	n := copy(b, c.out)
	c.out = c.out[n:]
	return n, nil
}

// Write implements io.Writer.
func (c *Chip) Write(p []byte) (int, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return 0, errors.New("ds2480btest: closed")
	}
	c.W = append(c.W, p...)
	if c.speed == 2400*physic.Hertz {
		// Anything at this speed looks like a break to the chip.
		c.Breaks++
		c.dataMode = false
		c.calibrated = false
		c.pendingE3 = false
		c.accel = false
		c.pulse = false
		c.frame = c.frame[:0]
		return len(p), nil
	}
	for _, b := range p {
		c.process(b)
	}
	return len(p), nil
}

// SetSpeed implements ds2480b.Port.
func (c *Chip) SetSpeed(f physic.Frequency) error {
	c.Lock()
	defer c.Unlock()
	if f != 2400*physic.Hertz && f != 9600*physic.Hertz {
		return fmt.Errorf("ds2480btest: unsupported speed %s", f)
	}
	c.Speeds = append(c.Speeds, f)
	c.speed = f
	return nil
}

// Flush discards pending output.
func (c *Chip) Flush() error {
	c.Lock()
	defer c.Unlock()
	c.out = c.out[:0]
	return nil
}

// Close implements io.Closer.
func (c *Chip) Close() error {
	c.Lock()
	defer c.Unlock()
	c.closed = true
	return nil
}

// Pending returns the number of bytes the host has not read yet.
func (c *Chip) Pending() int {
	c.Lock()
	defer c.Unlock()
	return len(c.out)
}

//

func (c *Chip) emit(b ...byte) {
	if c.Mute {
		return
	}
	c.out = append(c.out, b...)
}

func (c *Chip) process(b byte) {
	if c.Garbage {
		c.emit(0xff)
		return
	}
	if !c.dataMode {
		c.command(b)
		return
	}
	if c.pendingE3 {
		c.pendingE3 = false
		if b == 0xe3 {
			c.data(b)
			return
		}
		c.dataMode = false
		c.command(b)
		return
	}
	if b == 0xe3 {
		c.pendingE3 = true
		return
	}
	c.data(b)
}

func (c *Chip) command(b byte) {
	if !c.calibrated {
		// The first byte after a break sets the timing and is not answered.
		c.calibrated = true
		return
	}
	switch {
	case b == 0xe1:
		c.dataMode = true
	case b == 0xe3:
	case b == 0xf1:
		if c.pulse {
			c.pulse = false
			c.emit(0xec)
		}
	case b&0x81 == 0x81:
		c.comm(b)
	case b&0x81 == 0x01:
		c.config(b)
	}
}

func (c *Chip) comm(b byte) {
	switch b & 0x60 {
	case 0x00:
		// Single bit; the bus is idle so it reads back as written.
		r := b &^ 0x03
		if b&0x10 != 0 {
			r |= 0x03
		}
		c.emit(r)
	case 0x20:
		c.accel = b&0x10 != 0
		c.frame = c.frame[:0]
	case 0x40:
		c.emit(c.resetStatus())
	case 0x60:
		if b&0x0c == 0x0c {
			c.pulse = true
			return
		}
		c.emit(b &^ 0x03)
	}
}

func (c *Chip) resetStatus() byte {
	if c.BadResets > 0 {
		c.BadResets--
		return 0x00
	}
	switch {
	case c.Shorted:
		return 0xcc
	case len(c.Devices) == 0:
		return 0xcf
	case len(c.Alarming) != 0:
		return 0xce
	default:
		return 0xcd
	}
}

func (c *Chip) config(b byte) {
	sel := (b >> 4) & 0x07
	if sel == 0 {
		c.emit(c.params[(b>>1)&0x07])
		return
	}
	if sel == 3 && c.RejectPulse {
		c.emit(b)
		return
	}
	c.params[sel] = b & 0x0e
	c.emit(b &^ 0x01)
	if c.Notify {
		c.Notify = false
		c.emit(0xcd)
	}
}

func (c *Chip) data(b byte) {
	if c.accel {
		c.frame = append(c.frame, b)
		if len(c.frame) == 16 {
			c.emit(c.search(c.frame)...)
			c.frame = c.frame[:0]
		}
		return
	}
	c.alarm = b == 0xec
	if c.BadEcho && (b == 0xf0 || b == 0xec) {
		c.BadEcho = false
		c.emit(^b)
		return
	}
	if b == 0xff && len(c.Reply) != 0 {
		c.emit(c.Reply[0])
		c.Reply = c.Reply[1:]
		return
	}
	c.emit(b)
}

// search runs the search accelerator over one 16 byte frame.
func (c *Chip) search(in []byte) []byte {
	active := c.Devices
	if c.alarm {
		active = c.Alarming
	}
	out := make([]byte, 16)
	for n := uint(0); n < 64; n++ {
		dir := in[(2*n+1)/8]>>((2*n+1)%8)&1 != 0
		has0, has1 := false, false
		for _, a := range active {
			if a>>n&1 != 0 {
				has1 = true
			} else {
				has0 = true
			}
		}
		disc, taken := false, false
		switch {
		case has0 && has1:
			disc, taken = true, dir
		case has1:
			taken = true
		case !has0:
			disc, taken = true, true
		}
		var next []onewire.Address
		for _, a := range active {
			if (a>>n&1 != 0) == taken {
				next = append(next, a)
			}
		}
		active = next
		if disc {
			out[(2*n)/8] |= 1 << ((2 * n) % 8)
		}
		if taken {
			out[(2*n+1)/8] |= 1 << ((2*n + 1) % 8)
		}
	}
	if c.CorruptSearch {
		out[15] ^= 0x20
	}
	// The chip shifts each pair of bytes out swapped.
	for i := 0; i+1 < len(out); i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
	return out
}
