// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/GermanBionicSystems/onewire/common"
	"periph.io/x/conn/v3/onewire"
)

// Cursor is the position of a search session on the bus.
//
// Cursors are values: Next consumes one and returns its successor, and the
// caller continues with the returned cursor only.
type Cursor struct {
	alarmOnly             bool
	rom                   uint64 // ROM found by the previous step
	lastDiscrepancy       int    // 0..64, 0 before the first step
	lastFamilyDiscrepancy int    // 0..8
	exhausted             bool
}

// NewCursor returns a cursor for a fresh search over all devices, or only
// the devices in alarm state when alarmOnly is true.
func NewCursor(alarmOnly bool) Cursor {
	return Cursor{alarmOnly: alarmOnly}
}

// TargetCursor returns a cursor whose first step finds the first device of
// the given family, if any.
//
// The search continues past the family once its devices are exhausted, so
// callers should stop when a returned address has another family code.
func TargetCursor(family byte, alarmOnly bool) Cursor {
	return Cursor{alarmOnly: alarmOnly, rom: uint64(family), lastDiscrepancy: 64}
}

// SkipFamily returns a cursor whose next step skips the remaining devices of
// the family of the last address found.
func (c Cursor) SkipFamily() Cursor {
	c.lastDiscrepancy = c.lastFamilyDiscrepancy
	c.lastFamilyDiscrepancy = 0
	if c.lastDiscrepancy == 0 {
		c.exhausted = true
	}
	return c
}

// AlarmOnly returns true if the search is restricted to devices in alarm
// state.
func (c Cursor) AlarmOnly() bool { return c.alarmOnly }

// Done returns true once every device has been reported.
func (c Cursor) Done() bool { return c.exhausted }

// LastDiscrepancy is the 1-based ROM bit position the next step branches at.
func (c Cursor) LastDiscrepancy() int { return c.lastDiscrepancy }

// LastFamilyDiscrepancy is the last branch position within the family code.
func (c Cursor) LastFamilyDiscrepancy() int { return c.lastFamilyDiscrepancy }

// Next finds the next device on the bus.
//
// It returns ErrNoMoreDevices when c is done, without any I/O, or when no
// device answers the reset; in the latter case the returned cursor is c and
// may be retried. I/O errors abort the step without retry. A response that
// fails validation is reported as a *CorruptError.
func (d *Dev) Next(c Cursor) (onewire.Address, Cursor, error) {
	if c.exhausted {
		return 0, c, ErrNoMoreDevices
	}
	d.Lock()
	defer d.Unlock()
	if err := d.resync(); err != nil {
		return 0, c, err
	}
	return d.next(c)
}

func (d *Dev) next(c Cursor) (onewire.Address, Cursor, error) {
	if c.exhausted {
		return 0, c, ErrNoMoreDevices
	}
	status, err := d.reset()
	if err != nil {
		return 0, c, err
	}
	if !isPresence(status) {
		return 0, c, ErrNoMoreDevices
	}

	cmd := byte(cmdSearchROM)
	if c.alarmOnly {
		cmd = cmdSearchAlarm
	}
	w := d.switchMode(nil, ModeData)
	w = append(w, cmd)
	w = d.switchMode(w, ModeCommand)
	w = append(w, cmdComm|fnSearchOn|speedStandard)
	w = d.switchMode(w, ModeData)
	frame := encodeSearch(c.rom, c.lastDiscrepancy)
	for _, b := range frame {
		w = appendData(w, b)
	}
	if err := d.write(w); err != nil {
		return 0, c, err
	}
	var raw [searchResponseLen]byte
	if err := d.read(raw[:]); err != nil {
		return 0, c, err
	}
	rom, lastZero, lastFamilyZero := decodeSearch(raw)

	w = d.switchMode(nil, ModeCommand)
	w = append(w, cmdComm|fnSearchOff|speedStandard)
	if err := d.write(w); err != nil {
		return 0, c, err
	}
	// Leave the bus idle for whoever talks to it next.
	if _, err := d.reset(); err != nil {
		return 0, c, err
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], rom)
	var crc common.CRC8
	_, _ = crc.Write(b[:])
	switch {
	case raw[0] != cmd:
		// The frame is misaligned; the chip needs a resync.
		d.stale = true
		return 0, c, &CorruptError{ROM: b, Reason: fmt.Sprintf("search command echoed as %#04x", raw[0])}
	case crc.Sum8() != 0:
		return 0, c, &CorruptError{ROM: b, Reason: fmt.Sprintf("CRC8 mismatch, remainder %#04x", crc.Sum8())}
	case lastZero >= maxDiscrepancy:
		return 0, c, &CorruptError{ROM: b, Reason: fmt.Sprintf("discrepancy at bit %d", lastZero)}
	case b[0] == 0:
		return 0, c, &CorruptError{ROM: b, Reason: "zero family code"}
	}

	c.rom = rom
	c.lastDiscrepancy = lastZero
	if lastFamilyZero != 0 {
		c.lastFamilyDiscrepancy = lastFamilyZero
	}
	if c.lastDiscrepancy == 0 {
		c.exhausted = true
	}
	d.log.Debug().Hex("rom", b[:]).Int("discrepancy", lastZero).Msg("device found")
	return onewire.Address(rom), c, nil
}

// maxDiscrepancy is a branch point no two valid ROMs can have; the CRC byte
// differs only if the preceding bits do. Seeing it means every bit read as
// ambiguous, as with a shorted bus.
const maxDiscrepancy = 63

// ErrCorrupt matches every *CorruptError with errors.Is.
var ErrCorrupt = errors.New("ds2480b: corrupted search response")

// CorruptError is returned when a search step yields an invalid ROM code. It
// implements onewire.BusError.
//
// Unlike I/O errors, it means the chip answered but the bus data is not
// trustworthy.
type CorruptError struct {
	ROM    [8]byte
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("ds2480b: invalid ROM % x: %s", e.ROM[:], e.Reason)
}

// BusError implements onewire.BusError.
func (e *CorruptError) BusError() bool { return true }

// Is makes errors.Is(err, ErrCorrupt) true.
func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }
