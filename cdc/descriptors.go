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

package cdc

import (
	usbdev "github.com/usbforge/go-usbdev"
)

// FunctionalDescriptors returns the class-specific functional descriptors
// (header, call management, ACM, union) that belong in the Extra field of
// the communications interface descriptor.
func FunctionalDescriptors(commInterface, dataInterface uint8) []byte {
	return []byte{
		// header functional descriptor, bcdCDC 1.10
		5, FuncDescriptorTypeInterface, FuncSubtypeHeader, 0x10, 0x01,
		// call management: no call management over the data interface
		5, FuncDescriptorTypeInterface, FuncSubtypeCallManagement, 0x00, dataInterface,
		// ACM: supports line coding and serial state
		4, FuncDescriptorTypeInterface, FuncSubtypeACM, 0x02,
		// union: communications interface controls the data interface
		5, FuncDescriptorTypeInterface, FuncSubtypeUnion, commInterface, dataInterface,
	}
}

// SerialConfig builds a complete single-function CDC ACM configuration:
// a communications interface with its notification endpoint, and a data
// interface with one bulk endpoint pair.
func SerialConfig(configValue, commInterface, dataInterface, notifEndpoint, dataEndpoint uint8, maxPacket uint16) usbdev.Config {
	return usbdev.Config{
		ConfigurationValue: configValue,
		MaxPower:           50, // 100 mA
		Interfaces: []usbdev.Interface{
			{
				Association: &usbdev.InterfaceAssociation{
					FirstInterface:   commInterface,
					InterfaceCount:   2,
					FunctionClass:    InterfaceClassComm,
					FunctionSubClass: InterfaceSubclassACM,
					FunctionProtocol: InterfaceProtocolAT,
				},
				AltSettings: []usbdev.InterfaceDescriptor{{
					Number:   commInterface,
					Class:    InterfaceClassComm,
					SubClass: InterfaceSubclassACM,
					Protocol: InterfaceProtocolAT,
					Extra:    FunctionalDescriptors(commInterface, dataInterface),
					Endpoints: []usbdev.EndpointDescriptor{{
						Address:       notifEndpoint | usbdev.EndpointDirIn,
						Attributes:    usbdev.TransferTypeInterrupt,
						MaxPacketSize: 16,
						Interval:      255,
					}},
				}},
			},
			{
				AltSettings: []usbdev.InterfaceDescriptor{{
					Number: dataInterface,
					Class:  InterfaceClassData,
					Endpoints: []usbdev.EndpointDescriptor{
						{
							Address:       dataEndpoint,
							Attributes:    usbdev.TransferTypeBulk,
							MaxPacketSize: maxPacket,
						},
						{
							Address:       dataEndpoint | usbdev.EndpointDirIn,
							Attributes:    usbdev.TransferTypeBulk,
							MaxPacketSize: maxPacket,
						},
					},
				}},
			},
		},
	}
}
