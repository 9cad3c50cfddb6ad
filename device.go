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

// Package usbdev implements the device side of USB control transfers: the
// endpoint 0 state machine every USB device runs to answer host enumeration,
// standard chapter 9 requests and class/vendor requests.
//
// The engine is driven by three hardware events (SETUP, CONTROL OUT,
// CONTROL IN) delivered by a HAL implementation, and dispatches decoded
// requests through a bounded table of registered handlers with the standard
// request handler as the fallback.
package usbdev

import (
	"github.com/usbforge/go-usbdev/internal/syncutil"
)

// Device is the control-endpoint engine for one USB device.
//
// Thread safety: the three event entry points and the registration methods
// are serialized by an internal mutex, standing in for the interrupt
// serialization a USB peripheral provides in hardware. Events must still be
// delivered in bus order by a single event pump.
type Device struct {
	hal    HAL
	config *DeviceConfig

	desc    *DeviceDescriptor
	configs []Config
	strings []string

	// Staging buffer shared by all control transfers. The device handles
	// control transfers strictly one at a time, so one buffer suffices.
	ctrlBuf []byte

	ctrl controlTransferState

	controlCallbacks   []controlCallback
	configCallbacks    []ConfigHandler
	altSettingCallback AltSettingHandler

	// currentConfig is the index+1 of the active configuration, 0 when the
	// device is unconfigured.
	currentConfig uint8
	// altSettings holds the active alternate setting per interface of the
	// current configuration.
	altSettings []uint16

	mu syncutil.Mutex
}

// New creates a control-endpoint engine with the default configuration.
// configs and strs describe the device's configurations and string
// descriptor table (index 1 maps to strs[0]).
func New(hal HAL, desc *DeviceDescriptor, configs []Config, strs []string) (*Device, error) {
	return NewWithConfig(hal, desc, configs, strs, DefaultDeviceConfig())
}

// NewWithConfig creates a control-endpoint engine with a custom
// configuration.
func NewWithConfig(hal HAL, desc *DeviceDescriptor, configs []Config, strs []string, config *DeviceConfig) (*Device, error) {
	if hal == nil {
		return nil, ErrNilHAL
	}
	if desc == nil {
		return nil, ErrNilDescriptor
	}
	switch desc.MaxPacketSize0 {
	case 8, 16, 32, 64:
	default:
		return nil, ErrInvalidMaxPacket
	}
	if config == nil {
		config = DefaultDeviceConfig()
	}
	if config.ControlBufferSize < int(desc.MaxPacketSize0) {
		return nil, ErrControlBufferSmall
	}

	d := &Device{
		hal:              hal,
		config:           config,
		desc:             desc,
		configs:          configs,
		strings:          strs,
		ctrlBuf:          make([]byte, config.ControlBufferSize),
		controlCallbacks: make([]controlCallback, 0, config.MaxControlHandlers),
		configCallbacks:  make([]ConfigHandler, 0, config.MaxConfigHandlers),
	}
	d.ctrl.state = stateIdle
	return d, nil
}

// HAL returns the hardware abstraction the device was created with.
func (d *Device) HAL() HAL {
	return d.hal
}

// Configured reports whether the host has selected a configuration.
func (d *Device) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentConfig != 0
}

// maxPacketSize0 returns the endpoint 0 max packet size as an int.
func (d *Device) maxPacketSize0() int {
	return int(d.desc.MaxPacketSize0)
}
