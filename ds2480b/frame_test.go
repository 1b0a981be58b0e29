// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import (
	"math/rand"
	"testing"
)

func TestEncodeSearch_first(t *testing.T) {
	if f := encodeSearch(0xffffffffffffffff, 0); f != (searchFrame{}) {
		t.Fatalf("first pass must be unbiased: % x", f[:])
	}
}

func TestEncodeSearch(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for n := 0; n < 500; n++ {
		prev := r.Uint64()
		ld := 1 + r.Intn(64)
		f := encodeSearch(prev, ld)
		for i := 0; i < 64; i++ {
			if f.bit(2 * i) {
				t.Fatalf("even bit %d set", 2*i)
			}
			got := f.bit(2*i + 1)
			switch {
			case i < ld-1:
				if want := prev>>uint(i)&1 != 0; got != want {
					t.Fatalf("prev=%#x ld=%d: bit %d = %t, expected replay of %t", prev, ld, i, got, want)
				}
			case i == ld-1:
				if !got {
					t.Fatalf("prev=%#x ld=%d: branch bit not forced", prev, ld)
				}
			default:
				if got {
					t.Fatalf("prev=%#x ld=%d: bit %d biased", prev, ld, i)
				}
			}
		}
	}
}

func TestEncodeSearch_bytes(t *testing.T) {
	// Bit 0 of the ROM goes to bit 1 of the first byte, LSB first.
	f := encodeSearch(0x01, 2)
	expected := searchFrame{0x0a}
	if f != expected {
		t.Fatalf("% x != % x", f[:], expected[:])
	}
}

// chipResponse builds what the chip sends back for rom, reporting a
// discrepancy at each position in zeros (where the 0 branch was taken) and
// ones (where the 1 branch was taken).
func chipResponse(rom uint64, zeros, ones []int) [searchResponseLen]byte {
	var f searchFrame
	for i := 0; i < 64; i++ {
		if rom>>uint(i)&1 != 0 {
			f.set(2*i + 1)
		}
	}
	for _, p := range zeros {
		f.set(2 * (p - 1))
	}
	for _, p := range ones {
		f.set(2 * (p - 1))
	}
	var raw [searchResponseLen]byte
	raw[0] = cmdSearchROM
	copy(raw[1:], f[:])
	for i := 1; i+1 < len(raw); i += 2 {
		raw[i], raw[i+1] = raw[i+1], raw[i]
	}
	return raw
}

func TestDecodeSearch(t *testing.T) {
	data := []struct {
		rom         uint64
		zeros, ones []int
		lastZero    int
		familyZero  int
	}{
		{0x5a00000000001028, nil, nil, 0, 0},
		{0x5a00000000001028, []int{1}, nil, 1, 1},
		{0x5a00000000001028, []int{1, 20}, nil, 20, 1},
		{0x5a00000000001028, []int{2, 3}, []int{4}, 3, 3},
		{0x5a00000000001028, []int{9}, []int{5}, 9, 0},
		// A discrepancy where 1 was taken is already explored.
		{0xffffffffffffffff, nil, []int{3, 40}, 0, 0},
	}
	for i, line := range data {
		var zeros []int
		for _, p := range line.zeros {
			// The 0 branch must actually have been taken.
			if line.rom>>uint(p-1)&1 == 0 {
				zeros = append(zeros, p)
			}
		}
		var ones []int
		for _, p := range line.ones {
			if line.rom>>uint(p-1)&1 != 0 {
				ones = append(ones, p)
			}
		}
		rom, lastZero, familyZero := decodeSearch(chipResponse(line.rom, zeros, ones))
		if rom != line.rom || lastZero != line.lastZero || familyZero != line.familyZero {
			t.Errorf("#%d: got (%#x, %d, %d), expected (%#x, %d, %d)", i, rom, lastZero, familyZero, line.rom, line.lastZero, line.familyZero)
		}
	}
}

func TestDecodeSearch_round_trip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for n := 0; n < 500; n++ {
		rom := r.Uint64()
		// Pick a position where the ROM has a 0 and report it as the last
		// discrepancy.
		expected := 0
		var zeros []int
		for i := 63; i >= 0; i-- {
			if rom>>uint(i)&1 == 0 && r.Intn(4) == 0 {
				expected = i + 1
				zeros = append(zeros, expected)
				break
			}
		}
		got, lastZero, _ := decodeSearch(chipResponse(rom, zeros, nil))
		if got != rom || lastZero != expected {
			t.Fatalf("rom %#x: got (%#x, %d), expected discrepancy %d", rom, got, lastZero, expected)
		}
	}
}

func TestDecodeSearch_swap(t *testing.T) {
	// Without swapping back, ROM bit 0 would be read from the second frame
	// byte.
	var raw [searchResponseLen]byte
	raw[2] = 0x02
	rom, _, _ := decodeSearch(raw)
	if rom != 1 {
		t.Fatalf("rom %#x", rom)
	}
}
