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

// DeviceConfig contains construction options for a Device.
type DeviceConfig struct {
	// ControlBufferSize is the capacity of the single staging buffer shared
	// by all control transfers. OUT requests announcing more than this are
	// rejected with a stall before any data is accepted.
	ControlBufferSize int
	// MaxControlHandlers bounds the control callback table.
	MaxControlHandlers int
	// MaxConfigHandlers bounds the SET_CONFIGURATION callback list.
	MaxConfigHandlers int
}

// DefaultDeviceConfig returns the default device configuration.
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		ControlBufferSize:  256,
		MaxControlHandlers: 4,
		MaxConfigHandlers:  4,
	}
}
