// go-usbdev
// Copyright (c) 2025 The USBForge Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-usbdev.
//
// go-usbdev is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-usbdev is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-usbdev; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package usbdev

import (
	"errors"
	"fmt"
)

// Error categories. Every control-transfer error aborts the current transfer
// and returns the endpoint to idle; the only host-visible signal is the stall.
var (
	// Wire/transport errors
	ErrSetupPacketShort = errors.New("setup packet shorter than 8 bytes")
	ErrShortPacket      = errors.New("received packet shorter than expected")

	// Configuration errors
	ErrCallbackTableFull  = errors.New("control callback table full")
	ErrNilHAL             = errors.New("hal is nil")
	ErrNilDescriptor      = errors.New("device descriptor is nil")
	ErrInvalidMaxPacket   = errors.New("invalid endpoint 0 max packet size")
	ErrControlBufferSmall = errors.New("control buffer smaller than max packet size")
)

// HALError wraps a hardware access failure with the operation and
// endpoint it occurred on.
type HALError struct {
	Err      error
	Op       string
	Endpoint uint8
}

func (e *HALError) Error() string {
	return fmt.Sprintf("%s ep%d: %v", e.Op, e.Endpoint, e.Err)
}

func (e *HALError) Unwrap() error {
	return e.Err
}
