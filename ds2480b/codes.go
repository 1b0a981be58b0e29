// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds2480b

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Mode is the interpretation mode of the DS2480B for the next bytes written
// to it.
type Mode uint8

const (
	// ModeData passes bytes through to the 1-wire bus.
	ModeData Mode = 0x00
	// ModeCommand interprets bytes as chip commands. The chip is in this mode
	// after a master reset.
	ModeCommand Mode = 0x02
)

func (m Mode) String() string {
	switch m {
	case ModeData:
		return "Data"
	case ModeCommand:
		return "Command"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Level is the electrical level asserted on the 1-wire line.
type Level uint8

const (
	// LevelNormal is the idle, weakly pulled-up line.
	LevelNormal Level = 0x00
	// LevelOverdrive is the overdrive speed level.
	LevelOverdrive Level = 0x01
	// LevelStrong5 is the 5V strong pull-up used to power parasitic devices.
	LevelStrong5 Level = 0x02
	// LevelProgram is the EPROM programming pulse.
	LevelProgram Level = 0x04
	// LevelBreak holds the line low.
	LevelBreak Level = 0x08
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "Normal"
	case LevelOverdrive:
		return "Overdrive"
	case LevelStrong5:
		return "Strong5"
	case LevelProgram:
		return "Program"
	case LevelBreak:
		return "Break"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// SlewRate is the pull-down slew rate control parameter value.
type SlewRate uint8

// Pull-down slew rates, datasheet p.13.
const (
	Slew15Vus   SlewRate = 0x00
	Slew2p2Vus  SlewRate = 0x02
	Slew1p65Vus SlewRate = 0x04
	Slew1p37Vus SlewRate = 0x06
	Slew1p1Vus  SlewRate = 0x08
	Slew0p83Vus SlewRate = 0x0A
	Slew0p7Vus  SlewRate = 0x0C
	Slew0p55Vus SlewRate = 0x0E
)

const (
	cmdReset          = 0xc1 // chip reset, also the 1-wire reset at standard speed
	cmdDataMode       = 0xe1
	cmdCommandMode    = 0xe3
	cmdPulseTerminate = 0xf1
	cmdSearchROM      = 0xf0 // 1-wire search, sent in data mode
	cmdSearchAlarm    = 0xec // 1-wire alarm search, sent in data mode
	cmdComm           = 0x81 // base of the 1-wire function commands
	cmdConfig         = 0x01 // base of the configuration commands

	// Function select, OR-ed with cmdComm.
	fnBit       = 0x00
	fnSearchOff = 0x20
	fnSearchOn  = 0x30
	fnReset     = 0x40
	fnChmod     = 0x60

	// Speed select, OR-ed with cmdComm.
	speedStandard  = 0x00
	speedFlex      = 0x04
	speedOverdrive = 0x08
	speedPulse     = 0x0c

	bitPolarityOne  = 0x10
	bitPolarityZero = 0x00

	// Parameter select, OR-ed with cmdConfig.
	parmRead             = 0x00
	parmSlew             = 0x10
	parmPulse12V         = 0x20
	parmPulse5V          = 0x30
	parmWrite1Low        = 0x40
	parmSampleOffset     = 0x50
	parmActivePullupTime = 0x60
	parmBaudrate         = 0x70

	pulseInfinite = 0x0e
	baud9600      = 0x00

	// Reset response byte.
	resetChipIDMask      = 0x1c
	resetChipID          = 0x0c
	resetTopMask         = 0xc0
	resetMask            = 0x03
	resetShort           = 0x00
	resetPresence        = 0x01
	resetAlarmPresence   = 0x02
	resetNoPresence      = 0x03
	notificationHighMask = 0xe0

	// Confirmation masks.
	pulseDoneMask   = 0xe0
	pulseArmErrMask = 0x81
	baudReadMask    = 0xf1
	baudValueMask   = 0x0e
	bitRespMask     = 0xf0
	bitRespValue    = 0x90
	bitSpeedMask    = 0x0c
)

const (
	// lowSpeed is used to emulate a break: a 0x00 at 2400 bauds holds the
	// line low longer than the chip's break detection time.
	lowSpeed = 2400 * physic.Hertz
	// Speed is the host baud rate the chip powers up with.
	Speed = 9600 * physic.Hertz

	settleDelay = 2 * time.Millisecond
)
