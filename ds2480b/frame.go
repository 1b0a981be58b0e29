// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

// searchFrame is the 128 bit block exchanged with the search accelerator.
//
// Bit 2n+1 carries the direction to take at ROM bit n. In the response, bit
// 2n is set when the chip saw a discrepancy at ROM bit n and bit 2n+1 is the
// ROM bit actually taken. Bits are packed LSB first.
type searchFrame [16]byte

// searchResponseLen is the echo of the search command followed by the frame.
const searchResponseLen = 1 + len(searchFrame{})

func (f *searchFrame) bit(i int) bool {
	return f[i/8]>>(uint(i)%8)&1 != 0
}

func (f *searchFrame) set(i int) {
	f[i/8] |= 1 << (uint(i) % 8)
}

// encodeSearch builds the frame for the next search pass.
//
// ROM bits before the last discrepancy replay the previous ROM, the last
// discrepancy is forced to 1 and the remaining bits are left to the chip.
// lastDiscrepancy 0 means the first pass.
func encodeSearch(prev uint64, lastDiscrepancy int) searchFrame {
	var f searchFrame
	if lastDiscrepancy == 0 {
		return f
	}
	for i := 0; i < 64; i++ {
		switch {
		case i < lastDiscrepancy-1:
			if prev>>uint(i)&1 != 0 {
				f.set(2*i + 1)
			}
		case i == lastDiscrepancy-1:
			f.set(2*i + 1)
		}
	}
	return f
}

// decodeSearch interprets the 17 bytes read back from the chip.
//
// It returns the ROM, the 1-based position of the last discrepancy where the
// 0 branch was taken and the same restricted to the family code byte. Both
// positions are 0 when there is none.
func decodeSearch(raw [searchResponseLen]byte) (rom uint64, lastZero, lastFamilyZero int) {
	// The chip shifts the frame out with each pair of bytes swapped.
	for i := 1; i+1 < len(raw); i += 2 {
		raw[i], raw[i+1] = raw[i+1], raw[i]
	}
	var f searchFrame
	copy(f[:], raw[1:])
	for i := 0; i < 64; i++ {
		taken := f.bit(2*i + 1)
		if taken {
			rom |= 1 << uint(i)
		} else if f.bit(2 * i) {
			lastZero = i + 1
			if i < 8 {
				lastFamilyZero = i + 1
			}
		}
	}
	return rom, lastZero, lastFamilyZero
}
