// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/GermanBionicSystems/onewire/common"
	"github.com/GermanBionicSystems/onewire/ds2480b/ds2480btest"
	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// detectBytes is what detect writes at 9600 bauds with DefaultOpts.
var detectBytes = []byte{0xc1, 0x15, 0x45, 0x5b, 0x0f, 0x91}

func TestNew(t *testing.T) {
	chip := &ds2480btest.Chip{}
	d := newDev(t, chip)
	if s := d.String(); s != "DS2480B{ds2480btest}" {
		t.Fatal(s)
	}
	expected := []physic.Frequency{Speed, lowSpeed, Speed}
	if !reflect.DeepEqual(chip.Speeds, expected) {
		t.Fatalf("speeds %v, expected %v", chip.Speeds, expected)
	}
	if !bytes.Equal(chip.W, append([]byte{0x00}, detectBytes...)) {
		t.Fatalf("wrote % x", chip.W)
	}
	if d.Mode() != ModeCommand || d.Level() != LevelNormal {
		t.Fatalf("mode %s level %s", d.Mode(), d.Level())
	}
	if chip.Pending() != 0 {
		t.Fatalf("%d bytes left unread", chip.Pending())
	}
}

func TestNew_opts(t *testing.T) {
	opts := DefaultOpts
	opts.Slew = Slew1p37Vus
	opts.Write1Low = 8 * time.Microsecond
	opts.SampleOffset = 10 * time.Microsecond
	chip := &ds2480btest.Chip{}
	sleep = func(time.Duration) {}
	if _, err := New(chip, &opts); err != nil {
		t.Fatal(err)
	}
	if expected := []byte{0x00, 0xc1, 0x17, 0x41, 0x5f, 0x0f, 0x91}; !bytes.Equal(chip.W, expected) {
		t.Fatalf("wrote % x, expected % x", chip.W, expected)
	}
}

func TestNew_invalid_opts(t *testing.T) {
	data := []Opts{
		{Slew: 0x11, Write1Low: 10 * time.Microsecond, SampleOffset: 8 * time.Microsecond},
		{Slew: Slew1p65Vus, Write1Low: 7 * time.Microsecond, SampleOffset: 8 * time.Microsecond},
		{Slew: Slew1p65Vus, Write1Low: 16 * time.Microsecond, SampleOffset: 8 * time.Microsecond},
		{Slew: Slew1p65Vus, Write1Low: 10 * time.Microsecond, SampleOffset: 2 * time.Microsecond},
		{Slew: Slew1p65Vus, Write1Low: 10 * time.Microsecond, SampleOffset: 11 * time.Microsecond},
	}
	for i, opts := range data {
		if d, err := New(&ds2480btest.Chip{}, &opts); d != nil || err == nil {
			t.Errorf("#%d: expected failure", i)
		}
	}
}

func TestNew_no_chip(t *testing.T) {
	sleep = func(time.Duration) {}
	d, err := New(&ds2480btest.Chip{Mute: true}, nil)
	if d != nil || !errors.Is(err, ds2480btest.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestNew_garbage(t *testing.T) {
	sleep = func(time.Duration) {}
	d, err := New(&ds2480btest.Chip{Garbage: true}, nil)
	if d != nil || !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected sync failure, got %v", err)
	}
}

func TestDetect(t *testing.T) {
	chip := &ds2480btest.Chip{}
	d := newDev(t, chip)
	d.mode = ModeData
	d.level = LevelStrong5
	ok, err := d.Detect()
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if d.Mode() != ModeCommand || d.Level() != LevelNormal {
		t.Fatalf("mode %s level %s", d.Mode(), d.Level())
	}
	if chip.Breaks != 2 {
		t.Fatalf("%d breaks", chip.Breaks)
	}
}

func TestDetect_notification(t *testing.T) {
	chip := &ds2480btest.Chip{Notify: true}
	newDev(t, chip)
	if chip.Pending() != 0 {
		t.Fatalf("%d bytes left unread", chip.Pending())
	}
}

func TestDetect_garbage(t *testing.T) {
	chip := &ds2480btest.Chip{}
	d := newDev(t, chip)
	chip.Garbage = true
	if ok, err := d.Detect(); ok || err != nil {
		t.Fatal(ok, err)
	}
	// The next operation resynchronizes first.
	if _, err := d.Reset(); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected sync failure, got %v", err)
	}
}

func TestIsNotification(t *testing.T) {
	data := []struct {
		b        byte
		expected bool
	}{
		{0xcd, true},
		{0xce, true},
		{0xcc, false},
		{0xcf, false},
		{0xec, false},
		{0x93, false},
		{0x00, false},
		{0xff, false},
	}
	for _, line := range data {
		if isNotification(line.b) != line.expected {
			t.Errorf("isNotification(%#02x) != %t", line.b, line.expected)
		}
	}
}

func TestRead_filters_notifications(t *testing.T) {
	p := &bufPort{r: []byte{0x14, 0xcd, 0xcd, 0x44, 0xce, 0x5a, 0x00}}
	d := &Dev{port: p, log: zerolog.Nop(), mode: ModeCommand}
	var r [4]byte
	if err := d.read(r[:]); err != nil {
		t.Fatal(err)
	}
	if expected := []byte{0x14, 0x44, 0x5a, 0x00}; !bytes.Equal(r[:], expected) {
		t.Fatalf("% x != % x", r[:], expected)
	}

	// Data mode bytes are passed through.
	p = &bufPort{r: []byte{0xcd, 0x01}}
	d = &Dev{port: p, log: zerolog.Nop(), mode: ModeData}
	var r2 [2]byte
	if err := d.read(r2[:]); err != nil {
		t.Fatal(err)
	}
	if r2 != [2]byte{0xcd, 0x01} {
		t.Fatalf("% x", r2[:])
	}
}

func TestReset(t *testing.T) {
	data := []struct {
		chip     *ds2480btest.Chip
		expected bool
	}{
		{&ds2480btest.Chip{}, false},
		{&ds2480btest.Chip{Shorted: true, Devices: []onewire.Address{addr(0x28, 1)}}, false},
		{&ds2480btest.Chip{Devices: []onewire.Address{addr(0x28, 1)}}, true},
		{&ds2480btest.Chip{Devices: []onewire.Address{addr(0x28, 1)}, Alarming: []onewire.Address{addr(0x28, 1)}}, true},
	}
	for i, line := range data {
		d := newDev(t, line.chip)
		n := len(line.chip.W)
		present, err := d.Reset()
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if present != line.expected {
			t.Errorf("#%d: presence %t", i, present)
		}
		if w := line.chip.W[n:]; !bytes.Equal(w, []byte{0xc1}) {
			t.Errorf("#%d: wrote % x", i, w)
		}
	}
}

func TestReset_desync(t *testing.T) {
	chip := &ds2480btest.Chip{Devices: []onewire.Address{addr(0x28, 1)}}
	d := newDev(t, chip)
	chip.BadResets = 1
	present, err := d.Reset()
	if err != nil {
		t.Fatal(err)
	}
	// The presence bits come from the out of sync byte.
	if present {
		t.Fatal("expected no presence")
	}
	if chip.Breaks != 2 {
		t.Fatalf("expected a resync, got %d breaks", chip.Breaks)
	}
	if present, err = d.Reset(); !present || err != nil {
		t.Fatal(present, err)
	}
}

func TestReset_io_error(t *testing.T) {
	chip := &ds2480btest.Chip{Devices: []onewire.Address{addr(0x28, 1)}}
	d := newDev(t, chip)
	chip.Mute = true
	if _, err := d.Reset(); !errors.Is(err, ds2480btest.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	chip.Mute = false
	present, err := d.Reset()
	if !present || err != nil {
		t.Fatal(present, err)
	}
	if chip.Breaks != 2 {
		t.Fatalf("expected a resync, got %d breaks", chip.Breaks)
	}
}

func TestSetLevel(t *testing.T) {
	chip := &ds2480btest.Chip{}
	d := newDev(t, chip)
	n := len(chip.W)
	if l, err := d.SetLevel(LevelNormal); l != LevelNormal || err != nil {
		t.Fatal(l, err)
	}
	if len(chip.W) != n {
		t.Fatal("setting the current level must not talk to the chip")
	}
	if l, err := d.SetLevel(LevelStrong5); l != LevelStrong5 || err != nil {
		t.Fatal(l, err)
	}
	if w := chip.W[n:]; !bytes.Equal(w, []byte{0x3f, 0xed}) {
		t.Fatalf("wrote % x", w)
	}
	n = len(chip.W)
	if l, err := d.SetLevel(LevelNormal); l != LevelNormal || err != nil {
		t.Fatal(l, err)
	}
	if w := chip.W[n:]; !bytes.Equal(w, []byte{0xf1, 0xed, 0xf1}) {
		t.Fatalf("wrote % x", w)
	}
	if chip.Pending() != 0 {
		t.Fatalf("%d bytes left unread", chip.Pending())
	}
}

func TestSetLevel_from_data_mode(t *testing.T) {
	chip := &ds2480btest.Chip{}
	d := newDev(t, chip)
	d.mode = ModeData
	chip.W = nil
	// Put the simulated chip in data mode too.
	if _, err := chip.Write([]byte{0xe1}); err != nil {
		t.Fatal(err)
	}
	if l, err := d.SetLevel(LevelStrong5); l != LevelStrong5 || err != nil {
		t.Fatal(l, err)
	}
	if expected := []byte{0xe1, 0xe3, 0x3f, 0xed}; !bytes.Equal(chip.W, expected) {
		t.Fatalf("wrote % x, expected % x", chip.W, expected)
	}
	if d.Mode() != ModeCommand {
		t.Fatal(d.Mode())
	}
}

func TestSetLevel_rejected(t *testing.T) {
	chip := &ds2480btest.Chip{RejectPulse: true}
	d := newDev(t, chip)
	l, err := d.SetLevel(LevelStrong5)
	if err != nil {
		t.Fatal(err)
	}
	if l != LevelNormal {
		t.Fatalf("level %s", l)
	}
	if chip.Breaks != 2 {
		t.Fatalf("expected a resync, got %d breaks", chip.Breaks)
	}
}

func TestSetLevel_resync_fails(t *testing.T) {
	chip := &ds2480btest.Chip{}
	d := newDev(t, chip)
	chip.Garbage = true
	l, err := d.SetLevel(LevelStrong5)
	if !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected sync failure, got %v", err)
	}
	if l != LevelNormal {
		t.Fatalf("level %s", l)
	}
	if !d.stale {
		t.Fatal("expected a resync on next use")
	}
}

func TestTx(t *testing.T) {
	chip := &ds2480btest.Chip{
		Devices: []onewire.Address{addr(0x28, 1)},
		Reply:   []byte{0x50, 0x05},
	}
	d := newDev(t, chip)
	n := len(chip.W)
	var r [2]byte
	if err := d.Tx([]byte{0xcc, 0xe3}, r[:], onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if r != [2]byte{0x50, 0x05} {
		t.Fatalf("read % x", r[:])
	}
	// 0xe3 is doubled in data mode.
	if expected := []byte{0xc1, 0xe1, 0xcc, 0xe3, 0xe3, 0xff, 0xff}; !bytes.Equal(chip.W[n:], expected) {
		t.Fatalf("wrote % x, expected % x", chip.W[n:], expected)
	}
	if d.Mode() != ModeData {
		t.Fatal(d.Mode())
	}
	// The next reset switches back to command mode.
	if present, err := d.Reset(); !present || err != nil {
		t.Fatal(present, err)
	}
}

func TestTx_strong_pullup(t *testing.T) {
	chip := &ds2480btest.Chip{Devices: []onewire.Address{addr(0x28, 1)}}
	p := &writeLog{Chip: chip}
	sleep = func(time.Duration) {}
	d, err := New(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Tx([]byte{0xcc, 0x44}, nil, onewire.StrongPullup); err != nil {
		t.Fatal(err)
	}
	if d.Level() != LevelStrong5 {
		t.Fatalf("level %s", d.Level())
	}
	// The pulse is queued behind the data, not sent after reading the echo.
	last := p.writes[len(p.writes)-1]
	if expected := []byte{0xe1, 0xcc, 0x44, 0xe3, 0x3f, 0xed}; !bytes.Equal(last, expected) {
		t.Fatalf("wrote % x, expected % x", last, expected)
	}
	if chip.Pending() != 0 {
		t.Fatalf("%d bytes left unread", chip.Pending())
	}
	n := len(chip.W)
	if present, err := d.Reset(); !present || err != nil {
		t.Fatal(present, err)
	}
	if expected := []byte{0xf1, 0xed, 0xf1, 0xc1}; !bytes.Equal(chip.W[n:], expected) {
		t.Fatalf("wrote % x, expected % x", chip.W[n:], expected)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
}

func TestTx_strong_pullup_rejected(t *testing.T) {
	chip := &ds2480btest.Chip{Devices: []onewire.Address{addr(0x28, 1)}, RejectPulse: true}
	d := newDev(t, chip)
	err := d.Tx([]byte{0xcc, 0x44}, nil, onewire.StrongPullup)
	if b, ok := err.(onewire.BusError); !ok || !b.BusError() {
		t.Fatalf("expected bus error, got %v", err)
	}
	if d.Level() != LevelNormal {
		t.Fatalf("level %s", d.Level())
	}
	if chip.Breaks != 2 {
		t.Fatalf("expected a resync, got %d breaks", chip.Breaks)
	}
	chip.RejectPulse = false
	if err := d.Tx([]byte{0xcc}, nil, onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
}

func TestTx_bus_errors(t *testing.T) {
	d := newDev(t, &ds2480btest.Chip{})
	err := d.Tx([]byte{0xcc}, nil, onewire.WeakPullup)
	if b, ok := err.(onewire.BusError); !ok || !b.BusError() {
		t.Fatalf("expected bus error, got %v", err)
	}

	d = newDev(t, &ds2480btest.Chip{Shorted: true, Devices: []onewire.Address{addr(0x28, 1)}})
	err = d.Tx([]byte{0xcc}, nil, onewire.WeakPullup)
	if s, ok := err.(onewire.ShortedBusError); !ok || !s.IsShorted() {
		t.Fatalf("expected shorted bus error, got %v", err)
	}
}

func TestHalt_Close(t *testing.T) {
	chip := &ds2480btest.Chip{}
	d := newDev(t, chip)
	if l, err := d.SetLevel(LevelStrong5); l != LevelStrong5 || err != nil {
		t.Fatal(l, err)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if d.Level() != LevelNormal {
		t.Fatal(d.Level())
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Reset(); err == nil {
		t.Fatal("expected error on closed port")
	}
}

func TestStrings(t *testing.T) {
	data := []struct {
		s        interface{ String() string }
		expected string
	}{
		{ModeData, "Data"},
		{ModeCommand, "Command"},
		{Mode(7), "Mode(7)"},
		{LevelNormal, "Normal"},
		{LevelOverdrive, "Overdrive"},
		{LevelStrong5, "Strong5"},
		{LevelProgram, "Program"},
		{LevelBreak, "Break"},
		{Level(3), "Level(3)"},
	}
	for _, line := range data {
		if s := line.s.String(); s != line.expected {
			t.Errorf("%q != %q", s, line.expected)
		}
	}
}

//

func newDev(t *testing.T, chip *ds2480btest.Chip) *Dev {
	sleep = func(time.Duration) {}
	d, err := New(chip, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// addr returns a valid ROM code for family and serial.
func addr(family byte, serial uint64) onewire.Address {
	var b [8]byte
	b[0] = family
	for i := 1; i < 7; i++ {
		b[i] = byte(serial >> (8 * uint(i-1)))
	}
	b[7] = common.CalcCRC8(b[:7])
	var a uint64
	for i := 7; i >= 0; i-- {
		a = a<<8 | uint64(b[i])
	}
	return onewire.Address(a)
}

// bufPort is a Port reading from a fixed buffer.
type bufPort struct {
	r []byte
	w []byte
}

func (p *bufPort) Read(b []byte) (int, error) {
	if len(p.r) == 0 {
		return 0, ds2480btest.ErrTimeout
	}
	n := copy(b, p.r)
	p.r = p.r[n:]
	return n, nil
}

func (p *bufPort) Write(b []byte) (int, error) {
	p.w = append(p.w, b...)
	return len(b), nil
}

func (p *bufPort) SetSpeed(physic.Frequency) error {
	return nil
}

// writeLog records each Write call separately.
type writeLog struct {
	*ds2480btest.Chip
	writes [][]byte
}

func (w *writeLog) Write(b []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), b...))
	return w.Chip.Write(b)
}
