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

// Package testing provides test utilities built around a virtual USB host.
//
// The VirtualHost type drives a usbdev.Device through complete control
// transfers the way real hardware would: one event per bus transaction, in
// host order (SETUP, then DATA packets, then the status handshake). Tests
// use it to exercise enumeration and class requests end to end without a
// bus.
package testing

import (
	"errors"
	"fmt"

	usbdev "github.com/usbforge/go-usbdev"
)

// ErrEndpointStalled reports that the device stalled endpoint 0 during the
// transfer.
var ErrEndpointStalled = errors.New("endpoint 0 stalled")

// VirtualHost performs control transfers against a device wired to a
// MockHAL, emulating the host side of the bus.
type VirtualHost struct {
	dev *usbdev.Device
	hal *usbdev.MockHAL

	// maxPacket is the endpoint 0 packet size the transfers are split on;
	// it matches bMaxPacketSize0 of the device under test.
	maxPacket int

	// consumed tracks how many transmitted packets earlier transfers already
	// accounted for.
	consumed int
}

// NewVirtualHost creates a host for the given device and mock. maxPacket
// must equal the device descriptor's bMaxPacketSize0.
func NewVirtualHost(dev *usbdev.Device, hal *usbdev.MockHAL, maxPacket int) *VirtualHost {
	return &VirtualHost{dev: dev, hal: hal, maxPacket: maxPacket}
}

// ControlIn performs a device-to-host control transfer and returns the data
// stage payload. The request's direction bit must be set; req.Length is the
// announced transfer length.
func (h *VirtualHost) ControlIn(req usbdev.SetupPacket) ([]byte, error) {
	if req.Length == 0 {
		// No data stage; the status handshake is an IN transaction, which
		// makes the transfer shape identical to a no-data OUT.
		return nil, h.ControlOut(req, nil)
	}
	h.sendSetup(req)
	if h.stalled() {
		return nil, ErrEndpointStalled
	}

	var data []byte
	for {
		pkt, err := h.nextWritten()
		if err != nil {
			return nil, err
		}
		data = append(data, pkt...)

		// transmit complete for this packet
		h.dev.HandleControlIn()
		if h.stalled() {
			return nil, ErrEndpointStalled
		}
		if len(pkt) < h.maxPacket || len(data) >= int(req.Length) {
			break
		}
	}

	// status stage: zero-length OUT
	h.hal.QueuePacket(nil)
	h.dev.HandleControlOut()
	if h.stalled() {
		return nil, ErrEndpointStalled
	}
	return data, nil
}

// ControlOut performs a host-to-device control transfer with the given data
// stage (nil for a no-data request). req.Length must equal len(data).
func (h *VirtualHost) ControlOut(req usbdev.SetupPacket, data []byte) error {
	h.sendSetup(req)
	if h.stalled() {
		return ErrEndpointStalled
	}

	for len(data) > 0 {
		n := h.maxPacket
		if n > len(data) {
			n = len(data)
		}
		h.hal.QueuePacket(data[:n])
		h.dev.HandleControlOut()
		if h.stalled() {
			return ErrEndpointStalled
		}
		data = data[n:]
	}

	// The device acknowledges with a zero-length status packet; consume it,
	// then deliver its transmit-complete event.
	pkt, err := h.nextWritten()
	if err != nil {
		return err
	}
	if len(pkt) != 0 {
		return fmt.Errorf("expected zero-length status packet, got %d bytes", len(pkt))
	}
	h.dev.HandleControlIn()
	if h.stalled() {
		return ErrEndpointStalled
	}
	return nil
}

// GetDescriptor fetches a descriptor via the standard GET_DESCRIPTOR
// request.
func (h *VirtualHost) GetDescriptor(descType, index uint8, langID, length uint16) ([]byte, error) {
	return h.ControlIn(usbdev.SetupPacket{
		RequestType: usbdev.RequestDirectionIn,
		Request:     usbdev.RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      length,
	})
}

// SetAddress performs a SET_ADDRESS transfer.
func (h *VirtualHost) SetAddress(addr uint8) error {
	return h.ControlOut(usbdev.SetupPacket{
		Request: usbdev.RequestSetAddress,
		Value:   uint16(addr),
	}, nil)
}

// SetConfiguration performs a SET_CONFIGURATION transfer.
func (h *VirtualHost) SetConfiguration(value uint8) error {
	return h.ControlOut(usbdev.SetupPacket{
		Request: usbdev.RequestSetConfiguration,
		Value:   uint16(value),
	}, nil)
}

// Enumerate walks the device through a minimal enumeration: SET_ADDRESS
// followed by SET_CONFIGURATION.
func (h *VirtualHost) Enumerate(addr, configValue uint8) error {
	if err := h.SetAddress(addr); err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	if err := h.SetConfiguration(configValue); err != nil {
		return fmt.Errorf("set configuration: %w", err)
	}
	return nil
}

// sendSetup clears any previous stall, queues the SETUP packet and delivers
// the setup event. A new SETUP always recovers a stalled control endpoint.
func (h *VirtualHost) sendSetup(req usbdev.SetupPacket) {
	h.hal.SetStall(0, false)
	h.hal.QueuePacket(req.Encode())
	h.dev.HandleSetup()
}

func (h *VirtualHost) stalled() bool {
	return h.hal.Stalled(0)
}

// nextWritten pops the next packet the device transmitted.
func (h *VirtualHost) nextWritten() ([]byte, error) {
	written := h.hal.Written()
	if h.consumed >= len(written) {
		return nil, errors.New("device transmitted no packet when one was expected")
	}
	pkt := written[h.consumed]
	h.consumed++
	return pkt, nil
}
