// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// Port is the serial line the DS2480B is wired to.
//
// Reads must return an error when no byte arrives within the port's deadline
// instead of blocking forever. If the Port also implements Flush() error it is
// used to discard stale input after a break, and if it implements io.Closer it
// is closed by Dev.Close.
type Port interface {
	io.ReadWriter
	// SetSpeed changes the baud rate. 2400 and 9600 bauds must be supported.
	SetSpeed(f physic.Frequency) error
}

// Opts contains options to pass to the constructor.
type Opts struct {
	Slew         SlewRate      // pull-down slew rate
	Write1Low    time.Duration // write one low time, range 8μs..15μs
	SampleOffset time.Duration // data sample offset, range 3μs..10μs

	// Logger receives resynchronization and line level events. Nil disables
	// logging.
	Logger *zerolog.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Slew:         Slew1p65Vus,
	Write1Low:    10 * time.Microsecond,
	SampleOffset: 8 * time.Microsecond,
}

// New returns a device object that communicates over a serial port to a
// DS2480B serial to 1-wire bridge.
//
// The port is set to 9600 bauds and the chip is synchronized before New
// returns. This device object implements onewire.Bus and can be used to
// access devices on the bus.
func New(p Port, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Slew&^0x0e != 0 {
		return nil, fmt.Errorf("ds2480b: invalid slew rate %#x", uint8(opts.Slew))
	}
	if opts.Write1Low < 8*time.Microsecond || opts.Write1Low > 15*time.Microsecond {
		return nil, errors.New("ds2480b: Write1Low must be in range 8μs..15μs")
	}
	if opts.SampleOffset < 3*time.Microsecond || opts.SampleOffset > 10*time.Microsecond {
		return nil, errors.New("ds2480b: SampleOffset must be in range 3μs..10μs")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("dev", "ds2480b").Logger()
	}
	d := &Dev{
		port:  p,
		log:   log,
		mode:  ModeCommand,
		level: LevelNormal,
		probe: [5]byte{
			cmdConfig | parmSlew | byte(opts.Slew),
			cmdConfig | parmWrite1Low | byte((opts.Write1Low/time.Microsecond-8)*2),
			cmdConfig | parmSampleOffset | byte((opts.SampleOffset/time.Microsecond-3)*2),
			cmdConfig | parmRead | parmBaudrate>>3,
			cmdComm | fnBit | bitPolarityOne | speedStandard,
		},
	}
	if err := p.SetSpeed(Speed); err != nil {
		return nil, fmt.Errorf("ds2480b: error while setting baud rate: %w", err)
	}
	ok, err := d.detect()
	if err != nil {
		return nil, fmt.Errorf("ds2480b: error while detecting chip: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("ds2480b: chip did not echo its configuration: %w", ErrNotSynced)
	}
	return d, nil
}

// Dev is a handle to a DS2480B and it implements the onewire.Bus interface.
//
// Dev tracks the chip's mode and line level so that it only emits mode switch
// and pulse commands when they are needed. When an I/O error leaves that
// bookkeeping in doubt, the next operation resynchronizes the chip first.
type Dev struct {
	sync.Mutex                // lock for the bus while a transaction is in progress
	port       Port           // serial line to the chip
	log        zerolog.Logger // event sink
	probe      [5]byte        // configuration written by detect
	mode       Mode           // last mode selected on the chip
	level      Level          // last level asserted on the line
	stale      bool           // mode and level may not reflect the chip
}

func (d *Dev) String() string {
	return fmt.Sprintf("DS2480B{%v}", d.port)
}

// Halt implements conn.Resource.
//
// It terminates any strong pull-up or programming pulse.
func (d *Dev) Halt() error {
	d.Lock()
	defer d.Unlock()
	if err := d.resync(); err != nil {
		return err
	}
	l, err := d.setLevel(LevelNormal)
	if err != nil {
		return err
	}
	if l != LevelNormal {
		return errors.New("ds2480b: failed to return the line to normal level")
	}
	return nil
}

// Close closes the serial port if it implements io.Closer.
func (d *Dev) Close() error {
	d.Lock()
	defer d.Unlock()
	if c, ok := d.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Mode returns the mode the chip was last switched to.
func (d *Dev) Mode() Mode {
	d.Lock()
	defer d.Unlock()
	return d.mode
}

// Level returns the level last asserted on the line.
func (d *Dev) Level() Level {
	d.Lock()
	defer d.Unlock()
	return d.level
}

// Reset issues a reset on the 1-wire bus and returns true if any device
// answered with a presence pulse.
//
// A bus without devices is not an error.
func (d *Dev) Reset() (bool, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.resync(); err != nil {
		return false, err
	}
	status, err := d.reset()
	return isPresence(status), err
}

// Detect resynchronizes with the chip: it sends a break, resets the chip,
// writes the configuration and returns true if the chip echoed it correctly.
//
// I/O errors are returned as errors, never as false.
func (d *Dev) Detect() (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.detect()
}

// SetLevel changes the line level and returns the level in effect afterward.
//
// When the chip does not confirm the change it is resynchronized and the
// returned level differs from target.
func (d *Dev) SetLevel(target Level) (Level, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.resync(); err != nil {
		return d.level, err
	}
	return d.setLevel(target)
}

// Tx performs a bus transaction, sending and receiving bytes, and ending by
// pulling the bus high either weakly or strongly depending on the value of
// power.
//
// A strong pull-up is queued in the same serial write as the data so the chip
// starts it right after the last byte, without a host round trip. It still
// comes two command bytes, about 2ms, after the last bit; devices that need
// power within microseconds of it are not served. The pull-up is held until
// the next transaction starts.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()
	if err := d.resync(); err != nil {
		return err
	}

	// Issue 1-wire bus reset.
	status, err := d.reset()
	if err != nil {
		return err
	}
	switch status & resetMask {
	case resetShort:
		return shortedBusError("ds2480b: bus has a short")
	case resetNoPresence:
		return busError("ds2480b: no device present")
	}

	// Every byte written in data mode yields one byte read from the bus. Reads
	// are done by writing all ones.
	tx := d.switchMode(make([]byte, 0, len(w)+len(r)+4), ModeData)
	for _, b := range w {
		tx = appendData(tx, b)
	}
	for range r {
		tx = append(tx, 0xff)
	}
	strong := power == onewire.StrongPullup
	if strong {
		tx = d.switchMode(tx, ModeCommand)
		tx = append(tx, armPulse[:]...)
	}
	if err := d.write(tx); err != nil {
		return err
	}
	// Data mode bytes are never notifications.
	rx := make([]byte, len(w)+len(r))
	if err := d.readRaw(rx); err != nil {
		return err
	}
	armed := false
	if strong {
		var c [1]byte
		if err := d.read(c[:]); err != nil {
			return err
		}
		if armed = c[0]&pulseArmErrMask == 0; armed {
			d.level = LevelStrong5
		}
	}
	for i, b := range w {
		if rx[i] != b {
			return busError(fmt.Sprintf("ds2480b: wrote %#04x but bus echoed %#04x", b, rx[i]))
		}
	}
	copy(r, rx[len(w):])

	if strong && !armed {
		d.log.Warn().Msg("strong pull-up not confirmed, resynchronizing")
		ok, err := d.detect()
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotSynced
		}
		return busError("ds2480b: strong pull-up was not confirmed")
	}
	return nil
}

// Search performs a "search" cycle on the 1-wire bus and returns the addresses
// of all devices on the bus if alarmOnly is false and of all devices in alarm
// state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.resync(); err != nil {
		return nil, err
	}
	var found []onewire.Address
	c := NewCursor(alarmOnly)
	for {
		addr, next, err := d.next(c)
		if err == ErrNoMoreDevices {
			return found, nil
		}
		if err != nil {
			return found, err
		}
		found = append(found, addr)
		c = next
	}
}

//

// reset issues a 1-wire reset and returns the raw status byte.
//
// A status byte that does not carry the chip signature means the chip is out
// of sync; it is resynchronized and the presence bits of the byte actually
// read are still returned.
func (d *Dev) reset() (byte, error) {
	if d.level != LevelNormal {
		if _, err := d.setLevel(LevelNormal); err != nil {
			return 0, err
		}
	}
	w := d.switchMode(nil, ModeCommand)
	w = append(w, cmdComm|fnReset|speedStandard)
	if err := d.write(w); err != nil {
		return 0, err
	}
	var r [1]byte
	if err := d.read(r[:]); err != nil {
		return 0, err
	}
	status := r[0]
	if status&resetTopMask != resetTopMask || status&resetChipIDMask != resetChipID {
		d.log.Warn().Hex("status", r[:]).Msg("unexpected reset response, resynchronizing")
		ok, err := d.detect()
		if err != nil {
			return status, err
		}
		if !ok {
			return status, ErrNotSynced
		}
	}
	return status, nil
}

// detect emulates a break, resets the chip and writes the configuration
// probe. The chip is left in command mode at normal level.
func (d *Dev) detect() (bool, error) {
	d.mode = ModeCommand
	d.level = LevelNormal
	d.stale = true

	if err := d.sendBreak(); err != nil {
		return false, err
	}
	sleep(settleDelay)
	if f, ok := d.port.(flusher); ok {
		if err := f.Flush(); err != nil {
			return false, fmt.Errorf("ds2480b: error while flushing port: %w", err)
		}
	}
	// The first command after a break only calibrates the chip's baud rate
	// detection; it is not answered.
	if err := d.write([]byte{cmdReset}); err != nil {
		return false, err
	}
	sleep(settleDelay)

	if err := d.write(d.probe[:]); err != nil {
		return false, err
	}
	var r [5]byte
	if err := d.read(r[:]); err != nil {
		return false, err
	}
	ok := r[3]&baudReadMask == 0 && r[3]&baudValueMask == baud9600 &&
		r[4]&bitRespMask == bitRespValue && r[4]&bitSpeedMask == speedStandard
	if ok {
		d.stale = false
		d.log.Debug().Msg("chip synchronized")
	} else {
		d.log.Warn().Hex("response", r[:]).Msg("chip did not echo configuration")
	}
	return ok, nil
}

// sendBreak holds the line low by sending a zero byte at a lower speed;
// serial ports commonly lack a way to send a real break.
func (d *Dev) sendBreak() error {
	if err := d.port.SetSpeed(lowSpeed); err != nil {
		d.stale = true
		return fmt.Errorf("ds2480b: error while lowering baud rate: %w", err)
	}
	if err := d.write([]byte{0}); err != nil {
		return err
	}
	if err := d.port.SetSpeed(Speed); err != nil {
		d.stale = true
		return fmt.Errorf("ds2480b: error while restoring baud rate: %w", err)
	}
	return nil
}

// setLevel changes the line level. A change the chip does not confirm
// triggers a resynchronization.
func (d *Dev) setLevel(target Level) (Level, error) {
	if target == d.level {
		return d.level, nil
	}
	w := d.switchMode(nil, ModeCommand)
	accepted := false
	if target == LevelNormal {
		w = append(w, cmdPulseTerminate, cmdComm|fnChmod|speedPulse, cmdPulseTerminate)
		if err := d.write(w); err != nil {
			return d.level, err
		}
		var r [2]byte
		if err := d.read(r[:]); err != nil {
			return d.level, err
		}
		accepted = r[0]&pulseDoneMask == pulseDoneMask && r[1]&pulseDoneMask == pulseDoneMask
	} else {
		w = append(w, armPulse[:]...)
		if err := d.write(w); err != nil {
			return d.level, err
		}
		var r [1]byte
		if err := d.read(r[:]); err != nil {
			return d.level, err
		}
		accepted = r[0]&pulseArmErrMask == 0
	}
	if accepted {
		d.log.Debug().Stringer("from", d.level).Stringer("to", target).Msg("line level changed")
		d.level = target
		return d.level, nil
	}
	d.log.Warn().Stringer("from", d.level).Stringer("to", target).Msg("level change not confirmed, resynchronizing")
	ok, err := d.detect()
	if err != nil {
		return d.level, err
	}
	if !ok {
		return d.level, ErrNotSynced
	}
	return d.level, nil
}

// resync runs detect if a previous operation was interrupted.
func (d *Dev) resync() error {
	if !d.stale {
		return nil
	}
	ok, err := d.detect()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSynced
	}
	return nil
}

// switchMode appends the mode switch byte to w if the chip is not in mode m.
func (d *Dev) switchMode(w []byte, m Mode) []byte {
	if d.mode == m {
		return w
	}
	d.mode = m
	if m == ModeCommand {
		return append(w, cmdCommandMode)
	}
	return append(w, cmdDataMode)
}

func (d *Dev) write(w []byte) error {
	if _, err := d.port.Write(w); err != nil {
		d.stale = true
		return fmt.Errorf("ds2480b: error while writing: %w", err)
	}
	return nil
}

// read fills r from the port. In command mode, unsolicited presence
// notifications are removed from the response and replaced by the bytes that
// follow, so r always holds len(r) response bytes.
func (d *Dev) read(r []byte) error {
	if err := d.readRaw(r); err != nil {
		return err
	}
	if d.mode != ModeCommand || len(r) < 2 {
		return nil
	}
	for i := 0; i < len(r); {
		if !isNotification(r[i]) {
			i++
			continue
		}
		d.log.Debug().Hex("byte", r[i:i+1]).Msg("dropped presence notification")
		var extra [1]byte
		if _, err := io.ReadFull(d.port, extra[:]); err != nil {
			d.stale = true
			return fmt.Errorf("ds2480b: error while reading: %w", err)
		}
		copy(r[i:], r[i+1:])
		r[len(r)-1] = extra[0]
	}
	return nil
}

// readRaw fills r from the port as is.
func (d *Dev) readRaw(r []byte) error {
	if _, err := io.ReadFull(d.port, r); err != nil {
		d.stale = true
		return fmt.Errorf("ds2480b: error while reading: %w", err)
	}
	return nil
}

// appendData appends b for transmission in data mode, where the command mode
// switch byte must be doubled to be sent as data.
func appendData(w []byte, b byte) []byte {
	if b == cmdCommandMode {
		w = append(w, b)
	}
	return append(w, b)
}

func isPresence(status byte) bool {
	s := status & resetMask
	return s == resetPresence || s == resetAlarmPresence
}

// isNotification reports whether b is a presence report the chip emitted on
// its own rather than a response byte.
func isNotification(b byte) bool {
	return b&notificationHighMask == resetTopMask && b&resetChipIDMask == resetChipID && isPresence(b)
}

// armPulse configures an infinite 5V pulse and starts it. The chip answers
// with the configuration echo only.
var armPulse = [2]byte{cmdConfig | parmPulse5V | pulseInfinite, cmdComm | fnChmod | speedPulse}

type flusher interface {
	Flush() error
}

var (
	// ErrNotSynced is returned when the chip does not answer the
	// configuration probe after a resynchronization.
	ErrNotSynced = errors.New("ds2480b: chip is not synchronized")
	// ErrNoMoreDevices is returned by Next when the search has no further
	// device to report.
	ErrNoMoreDevices = errors.New("ds2480b: no more devices")
)

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ onewire.BusCloser = &Dev{}
