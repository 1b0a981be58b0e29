// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2480b controls a Maxim DS2480B serial to 1-wire bus master.
//
// The chip sits on a UART at 9600 bauds and multiplexes two byte streams on
// it: configuration and bus commands in command mode, and raw 1-wire bytes in
// data mode. Dev keeps track of the chip's mode and line level, resynchronizes
// with a break after any I/O failure and implements onewire.Bus so existing
// 1-wire device drivers can run on top of it.
//
// Device enumeration uses the chip's search accelerator: each Next call
// discovers one ROM code in a single 16 byte exchange.
//
// # Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS2480B.pdf
//
// https://www.maximintegrated.com/en/design/technical-documents/app-notes/1/192.html
package ds2480b
