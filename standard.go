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

// Implementation of the standard (USB chapter 9) control requests. This is
// the fallback at the end of the dispatch chain; class and vendor requests
// never reach it with a positive outcome.

package usbdev

// clampResponse limits the staged response to n bytes. The descriptor
// headers keep announcing the full length, so a host that asked for a
// prefix still learns the real size.
func clampResponse(xfer *ControlTransfer, n int) {
	if len(xfer.Data) > n {
		xfer.Data = xfer.Data[:n]
	}
}

func descriptorType(wValue uint16) uint8 { return uint8(wValue >> 8) }

func descriptorIndex(wValue uint16) uint8 { return uint8(wValue) }

// getStringDescriptor stages the requested string descriptor. Index 0 is
// the language ID table; all other indices map into the device's string
// table and are only served for English (US).
func (d *Device) getStringDescriptor(req *SetupPacket, xfer *ControlTransfer, idx int) RequestOutcome {
	if idx == 0 {
		xfer.Data = xfer.Data[:copy(xfer.Data, langIDDescriptor())]
		return RequestHandled
	}

	if len(d.strings) == 0 {
		return RequestNotSupported // device doesn't support strings
	}
	if idx-1 >= len(d.strings) {
		return RequestNotSupported // string index out of range
	}
	if req.Index != LangIDEnglishUS {
		return RequestNotSupported // unsupported language ID
	}

	xfer.Data = xfer.Data[:copy(xfer.Data, StringDescriptor(d.strings[idx-1]))]
	return RequestHandled
}

// getDescriptor serves device, configuration and string descriptors.
func (d *Device) getDescriptor(req *SetupPacket, xfer *ControlTransfer) RequestOutcome {
	idx := int(descriptorIndex(req.Value))

	switch descriptorType(req.Value) {
	case DescriptorTypeDevice:
		xfer.Data = xfer.Data[:copy(xfer.Data, d.desc.Encode())]
		return RequestHandled

	case DescriptorTypeConfiguration:
		if idx >= len(d.configs) {
			return RequestNotSupported
		}
		xfer.Data = xfer.Data[:copy(xfer.Data, d.configs[idx].Encode())]
		return RequestHandled

	case DescriptorTypeString:
		return d.getStringDescriptor(req, xfer, idx)

	default:
		return RequestNotSupported
	}
}

// setAddress validates a SET_ADDRESS request. The address itself is latched
// by the state machine at the STATUS IN stage; accepting it here only
// schedules that.
func (d *Device) setAddress(req *SetupPacket, _ *ControlTransfer) RequestOutcome {
	if req.RequestType != 0 || req.Value >= 128 {
		return RequestNotSupported
	}
	return RequestHandled
}

// setConfiguration activates the configuration selected by the host, or
// deconfigures the device for wValue 0.
func (d *Device) setConfiguration(req *SetupPacket, _ *ControlTransfer) RequestOutcome {
	foundIndex := -1
	if req.Value > 0 {
		for i := range d.configs {
			if uint16(d.configs[i].ConfigurationValue) == req.Value {
				foundIndex = i
				break
			}
		}
		if foundIndex < 0 {
			return RequestNotSupported
		}
	}

	d.currentConfig = uint8(foundIndex + 1)

	if d.currentConfig > 0 {
		// all interfaces restart at alternate setting 0
		cfg := &d.configs[d.currentConfig-1]
		d.altSettings = make([]uint16, len(cfg.Interfaces))
	} else {
		d.altSettings = nil
	}

	if len(d.configCallbacks) > 0 {
		// Flush the control callback table; configuration handlers
		// re-register the handlers for the interfaces they activate.
		d.controlCallbacks = d.controlCallbacks[:0]

		for _, cb := range d.configCallbacks {
			cb(uint8(req.Value))
		}
	}

	return RequestHandled
}

// getConfiguration reports the active bConfigurationValue (0 when
// unconfigured).
func (d *Device) getConfiguration(_ *SetupPacket, xfer *ControlTransfer) RequestOutcome {
	clampResponse(xfer, 1)
	if len(xfer.Data) < 1 {
		return RequestNotSupported
	}
	if d.currentConfig > 0 {
		xfer.Data[0] = d.configs[d.currentConfig-1].ConfigurationValue
	} else {
		xfer.Data[0] = 0
	}
	return RequestHandled
}

// getStatusZero stages the two-byte all-zero status word used for device
// and interface GET_STATUS (not self powered, no remote wakeup).
func getStatusZero(xfer *ControlTransfer) RequestOutcome {
	clampResponse(xfer, 2)
	for i := range xfer.Data {
		xfer.Data[i] = 0
	}
	return RequestHandled
}

func (d *Device) standardDeviceRequest(req *SetupPacket, xfer *ControlTransfer) RequestOutcome {
	switch req.Request {
	case RequestGetDescriptor:
		return d.getDescriptor(req, xfer)
	case RequestSetAddress:
		return d.setAddress(req, xfer)
	case RequestSetConfiguration:
		return d.setConfiguration(req, xfer)
	case RequestGetConfiguration:
		return d.getConfiguration(req, xfer)
	case RequestGetStatus:
		return getStatusZero(xfer)
	default:
		// CLEAR_FEATURE/SET_FEATURE (remote wakeup, test mode) and
		// SET_DESCRIPTOR are not implemented.
		return RequestNotSupported
	}
}

func (d *Device) standardInterfaceRequest(req *SetupPacket, xfer *ControlTransfer) RequestOutcome {
	if d.currentConfig == 0 {
		return RequestNotSupported
	}

	switch req.Request {
	case RequestGetInterface:
		if int(req.Index) >= len(d.altSettings) {
			return RequestNotSupported
		}
		clampResponse(xfer, 1)
		if len(xfer.Data) < 1 {
			return RequestNotSupported
		}
		xfer.Data[0] = uint8(d.altSettings[req.Index])
		return RequestHandled

	case RequestSetInterface:
		cfg := &d.configs[d.currentConfig-1]
		if int(req.Index) >= len(cfg.Interfaces) {
			return RequestNotSupported
		}
		iface := &cfg.Interfaces[req.Index]
		if int(req.Value) >= len(iface.AltSettings) {
			return RequestNotSupported
		}
		d.altSettings[req.Index] = req.Value
		if d.altSettingCallback != nil {
			d.altSettingCallback(req.Index, req.Value)
		}
		xfer.Data = xfer.Data[:0]
		return RequestHandled

	case RequestGetStatus:
		return getStatusZero(xfer)

	default:
		// interface CLEAR_FEATURE/SET_FEATURE are left to user callbacks
		return RequestNotSupported
	}
}

func (d *Device) standardEndpointRequest(req *SetupPacket, xfer *ControlTransfer) RequestOutcome {
	ep := uint8(req.Index)

	switch req.Request {
	case RequestClearFeature:
		if req.Value != FeatureEndpointHalt {
			return RequestNotSupported
		}
		d.hal.SetStall(ep, false)
		return RequestHandled

	case RequestSetFeature:
		if req.Value != FeatureEndpointHalt {
			return RequestNotSupported
		}
		d.hal.SetStall(ep, true)
		return RequestHandled

	case RequestGetStatus:
		clampResponse(xfer, 2)
		if len(xfer.Data) < 2 {
			return RequestNotSupported
		}
		xfer.Data[0] = 0
		xfer.Data[1] = 0
		if sr, ok := d.hal.(StallReader); ok && sr.Stalled(ep) {
			xfer.Data[0] = 1
		}
		return RequestHandled

	default:
		// SYNCH_FRAME needs isochronous endpoints, which are out of scope
		return RequestNotSupported
	}
}

// standardRequest is the end of the dispatch chain: the chapter 9 request
// handler. Class and vendor requests must be claimed by user callbacks, so
// anything non-standard is rejected here.
func (d *Device) standardRequest(req *SetupPacket, xfer *ControlTransfer) RequestOutcome {
	if req.Type() != RequestTypeStandard {
		return RequestNotSupported
	}

	switch req.Recipient() {
	case RequestRecipientDevice:
		return d.standardDeviceRequest(req, xfer)
	case RequestRecipientInterface:
		return d.standardInterfaceRequest(req, xfer)
	case RequestRecipientEndpoint:
		return d.standardEndpointRequest(req, xfer)
	default:
		return RequestNotSupported
	}
}
