// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire is a container for a DS2480B serial to 1-wire bus master
// driver and its supporting packages.
//
// ds2480b drives the chip and implements periph's onewire.Bus, serialport
// connects it to a host UART and ds2480b/example scans a bus from a TOML
// configuration.
package onewire
