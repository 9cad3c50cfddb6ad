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
	"encoding/binary"
	"unicode/utf16"
)

// Descriptor types (USB 2.0 spec, table 9-5)
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0B
)

// Endpoint transfer types (bmAttributes bits 1..0)
const (
	TransferTypeControl     = 0x00
	TransferTypeIsochronous = 0x01
	TransferTypeBulk        = 0x02
	TransferTypeInterrupt   = 0x03
)

// EndpointDirIn marks a device-to-host endpoint address.
const EndpointDirIn = 0x80

// DeviceDescriptorLength is the wire size of a device descriptor.
const DeviceDescriptorLength = 18

// LangIDEnglishUS is the only string descriptor language supported.
const LangIDEnglishUS = 0x0409

// DeviceDescriptor describes the device itself (USB 2.0 spec, table 9-8).
type DeviceDescriptor struct {
	SpecVersion       uint16 // bcdUSB
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8 // endpoint 0 max packet size: 8, 16, 32 or 64
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // bcdDevice
	ManufacturerStr   uint8  // string descriptor index, 0 for none
	ProductStr        uint8
	SerialNumberStr   uint8
	NumConfigurations uint8
}

// Encode serializes the device descriptor into its 18-byte wire form.
func (d *DeviceDescriptor) Encode() []byte {
	b := make([]byte, DeviceDescriptorLength)
	b[0] = DeviceDescriptorLength
	b[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(b[2:], d.SpecVersion)
	b[4] = d.DeviceClass
	b[5] = d.DeviceSubClass
	b[6] = d.DeviceProtocol
	b[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:], d.DeviceVersion)
	b[14] = d.ManufacturerStr
	b[15] = d.ProductStr
	b[16] = d.SerialNumberStr
	b[17] = d.NumConfigurations
	return b
}

// EndpointDescriptor describes one endpoint of an interface setting.
type EndpointDescriptor struct {
	Address       uint8 // endpoint number, or'ed with EndpointDirIn for IN
	Attributes    uint8 // transfer type bits
	MaxPacketSize uint16
	Interval      uint8
	// Extra holds class-specific descriptors appended after the endpoint.
	Extra []byte
}

func (e *EndpointDescriptor) appendTo(b []byte) []byte {
	b = append(b, 7, DescriptorTypeEndpoint, e.Address, e.Attributes,
		byte(e.MaxPacketSize), byte(e.MaxPacketSize>>8), e.Interval)
	return append(b, e.Extra...)
}

// InterfaceDescriptor describes one alternate setting of an interface.
type InterfaceDescriptor struct {
	Number     uint8
	AltSetting uint8
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	StrIdx     uint8
	Endpoints  []EndpointDescriptor
	// Extra holds class-specific functional descriptors appended directly
	// after the interface descriptor.
	Extra []byte
}

func (i *InterfaceDescriptor) appendTo(b []byte) []byte {
	b = append(b, 9, DescriptorTypeInterface, i.Number, i.AltSetting,
		uint8(len(i.Endpoints)), i.Class, i.SubClass, i.Protocol, i.StrIdx)
	b = append(b, i.Extra...)
	for k := range i.Endpoints {
		b = i.Endpoints[k].appendTo(b)
	}
	return b
}

// InterfaceAssociation groups several interfaces into one function
// (USB interface association descriptor, ECN to USB 2.0).
type InterfaceAssociation struct {
	FirstInterface    uint8
	InterfaceCount    uint8
	FunctionClass     uint8
	FunctionSubClass  uint8
	FunctionProtocol  uint8
	FunctionStr       uint8
}

func (a *InterfaceAssociation) appendTo(b []byte) []byte {
	return append(b, 8, DescriptorTypeInterfaceAssociation, a.FirstInterface,
		a.InterfaceCount, a.FunctionClass, a.FunctionSubClass,
		a.FunctionProtocol, a.FunctionStr)
}

// Interface is one interface slot of a configuration, with its alternate
// settings in bAlternateSetting order.
type Interface struct {
	Association *InterfaceAssociation
	AltSettings []InterfaceDescriptor
}

// Config describes one device configuration.
type Config struct {
	ConfigurationValue uint8
	ConfigurationStr   uint8
	SelfPowered        bool
	RemoteWakeup       bool
	MaxPower           uint8 // in units of 2 mA
	Interfaces         []Interface
}

// Encode builds the full configuration descriptor including all interface,
// endpoint and class-specific descriptors, with wTotalLength filled in.
// Hosts frequently request only a prefix; truncation is the caller's job.
func (c *Config) Encode() []byte {
	attrs := uint8(0x80)
	if c.SelfPowered {
		attrs |= 0x40
	}
	if c.RemoteWakeup {
		attrs |= 0x20
	}

	b := make([]byte, 0, 64)
	b = append(b, 9, DescriptorTypeConfiguration, 0, 0,
		uint8(len(c.Interfaces)), c.ConfigurationValue, c.ConfigurationStr,
		attrs, c.MaxPower)

	for i := range c.Interfaces {
		iface := &c.Interfaces[i]
		if iface.Association != nil {
			b = iface.Association.appendTo(b)
		}
		for j := range iface.AltSettings {
			b = iface.AltSettings[j].appendTo(b)
		}
	}

	binary.LittleEndian.PutUint16(b[2:], uint16(len(b)))
	return b
}

// StringDescriptor encodes s as a UTF-16LE string descriptor.
func StringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2+2*len(units))
	b[0] = uint8(len(b))
	b[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b
}

// langIDDescriptor is string descriptor zero: the supported language IDs.
func langIDDescriptor() []byte {
	b := make([]byte, 4)
	b[0] = 4
	b[1] = DescriptorTypeString
	binary.LittleEndian.PutUint16(b[2:], LangIDEnglishUS)
	return b
}
