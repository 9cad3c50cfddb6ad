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

// RequestOutcome is the verdict a control request handler returns.
type RequestOutcome int

const (
	// RequestNotSupported rejects the request definitively. Dispatch stops
	// and the endpoint is stalled; no later handler is consulted.
	RequestNotSupported RequestOutcome = iota
	// RequestHandled accepts the request. Dispatch stops; the transfer
	// proceeds to its data or status stage.
	RequestHandled
	// RequestNextHandler declines the request without ending dispatch; later
	// handlers and finally the standard request handler get to see it.
	RequestNextHandler
)

// ControlTransfer gives a request handler access to the data stage of the
// transfer being dispatched.
type ControlTransfer struct {
	// Data is the data stage payload. For host-to-device requests it holds
	// the bytes received from the host. For device-to-host requests it is a
	// staging area sized to what the host will accept (capped by the control
	// buffer); the handler shrinks it to the actual response or points it at
	// other storage entirely (for example a descriptor held elsewhere).
	Data []byte

	// Completion, if set, runs exactly once after the status stage of the
	// transfer completes, then is cleared. Side effects that must wait for
	// the host's acknowledgment belong here.
	Completion func()
}

// ControlHandler processes a control request on endpoint 0.
type ControlHandler func(req *SetupPacket, xfer *ControlTransfer) RequestOutcome

// ConfigHandler is notified when the host selects a configuration via
// SET_CONFIGURATION. value is the selected bConfigurationValue (0 when the
// host deconfigures the device).
type ConfigHandler func(value uint8)

// AltSettingHandler is notified when the host selects an interface alternate
// setting via SET_INTERFACE.
type AltSettingHandler func(iface, altSetting uint16)

// controlCallback is one registered (type, mask, handler) entry. A request
// matches when bmRequestType&typeMask == reqType.
type controlCallback struct {
	handler  ControlHandler
	reqType  uint8
	typeMask uint8
}

// RegisterControlHandler installs a handler for control requests whose
// bmRequestType matches reqType under typeMask. Handlers are consulted in
// registration order, before the standard request handler. The table has a
// fixed capacity; once full, registration fails with ErrCallbackTableFull
// and no side effects.
//
// Registered handlers are flushed when the host issues SET_CONFIGURATION;
// class drivers re-register from their ConfigHandler.
//
// Registration is not synchronized with event delivery: call it during
// initialization or from a ConfigHandler (which runs inside event
// processing), not concurrently with active transfers.
func (d *Device) RegisterControlHandler(reqType, typeMask uint8, handler ControlHandler) error {
	if len(d.controlCallbacks) >= d.config.MaxControlHandlers {
		return ErrCallbackTableFull
	}
	d.controlCallbacks = append(d.controlCallbacks, controlCallback{
		handler:  handler,
		reqType:  reqType,
		typeMask: typeMask,
	})
	return nil
}

// RegisterConfigHandler installs a handler invoked on SET_CONFIGURATION.
// The list is bounded like the control callback table. Same registration
// contract as RegisterControlHandler.
func (d *Device) RegisterConfigHandler(handler ConfigHandler) error {
	if len(d.configCallbacks) >= d.config.MaxConfigHandlers {
		return ErrCallbackTableFull
	}
	d.configCallbacks = append(d.configCallbacks, handler)
	return nil
}

// SetAltSettingHandler installs the handler invoked on SET_INTERFACE.
// There is at most one; a second call replaces the first.
func (d *Device) SetAltSettingHandler(handler AltSettingHandler) {
	d.altSettingCallback = handler
}
