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

package testing

import (
	usbdev "github.com/usbforge/go-usbdev"
)

// TestMaxPacket0 is the endpoint 0 packet size of the fixture device. Small
// on purpose so multi-packet data stages show up in ordinary tests.
const TestMaxPacket0 = 8

// Fixture vendor/product identity.
const (
	TestVendorID  = 0x6666 // prototype VID
	TestProductID = 0x0001
)

// NewTestDescriptor returns a device descriptor for the fixture device.
func NewTestDescriptor() *usbdev.DeviceDescriptor {
	return &usbdev.DeviceDescriptor{
		SpecVersion:       0x0200,
		MaxPacketSize0:    TestMaxPacket0,
		VendorID:          TestVendorID,
		ProductID:         TestProductID,
		DeviceVersion:     0x0100,
		ManufacturerStr:   1,
		ProductStr:        2,
		SerialNumberStr:   3,
		NumConfigurations: 1,
	}
}

// NewTestConfig returns a one-interface vendor-class configuration with a
// bulk endpoint pair.
func NewTestConfig() usbdev.Config {
	return usbdev.Config{
		ConfigurationValue: 1,
		MaxPower:           50,
		Interfaces: []usbdev.Interface{{
			AltSettings: []usbdev.InterfaceDescriptor{{
				Number: 0,
				Class:  0xFF, // vendor specific
				Endpoints: []usbdev.EndpointDescriptor{
					{
						Address:       0x01,
						Attributes:    usbdev.TransferTypeBulk,
						MaxPacketSize: 64,
					},
					{
						Address:       0x01 | usbdev.EndpointDirIn,
						Attributes:    usbdev.TransferTypeBulk,
						MaxPacketSize: 64,
					},
				},
			}},
		}},
	}
}

// TestStrings are the fixture string descriptors, indexed from 1.
var TestStrings = []string{"USBForge", "Fixture Device", "0000001"}

// NewTestDevice builds a device wired to a fresh MockHAL and a VirtualHost
// driving it.
func NewTestDevice() (*usbdev.Device, *usbdev.MockHAL, *VirtualHost, error) {
	hal := usbdev.NewMockHAL()
	dev, err := usbdev.New(hal, NewTestDescriptor(), []usbdev.Config{NewTestConfig()}, TestStrings)
	if err != nil {
		return nil, nil, nil, err
	}
	return dev, hal, NewVirtualHost(dev, hal, TestMaxPacket0), nil
}
