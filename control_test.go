// Copyright 2026 The USBForge Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usbdev

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ctrlHarness drives a device through control transfers the way a host
// would: one event per bus transaction.
type ctrlHarness struct {
	t        *testing.T
	dev      *Device
	hal      *MockHAL
	consumed int
}

const harnessMaxPacket = 8

func harnessDescriptor() *DeviceDescriptor {
	return &DeviceDescriptor{
		SpecVersion:       0x0200,
		MaxPacketSize0:    harnessMaxPacket,
		VendorID:          0x6666,
		ProductID:         0x0001,
		DeviceVersion:     0x0100,
		ManufacturerStr:   1,
		ProductStr:        2,
		NumConfigurations: 1,
	}
}

func harnessConfig() Config {
	return Config{
		ConfigurationValue: 1,
		MaxPower:           50,
		Interfaces: []Interface{{
			AltSettings: []InterfaceDescriptor{
				{Number: 0, Class: 0xFF},
				{Number: 0, AltSetting: 1, Class: 0xFF},
			},
		}},
	}
}

func newHarness(t *testing.T) *ctrlHarness {
	t.Helper()
	hal := NewMockHAL()
	dev, err := New(hal, harnessDescriptor(), []Config{harnessConfig()}, []string{"USBForge", "Fixture"})
	require.NoError(t, err)
	return &ctrlHarness{t: t, dev: dev, hal: hal}
}

// setup clears any stall and delivers a SETUP packet.
func (h *ctrlHarness) setup(req SetupPacket) {
	h.t.Helper()
	h.hal.SetStall(0, false)
	h.hal.QueuePacket(req.Encode())
	h.dev.HandleSetup()
}

// nextWritten pops the next packet the device transmitted.
func (h *ctrlHarness) nextWritten() []byte {
	h.t.Helper()
	written := h.hal.Written()
	require.Greater(h.t, len(written), h.consumed, "device transmitted no packet")
	pkt := written[h.consumed]
	h.consumed++
	return pkt
}

// controlIn runs a device-to-host transfer to completion. It returns the
// received payload and whether the device stalled.
func (h *ctrlHarness) controlIn(req SetupPacket) ([]byte, bool) {
	h.t.Helper()
	h.setup(req)
	if h.hal.Stalled(0) {
		return nil, true
	}

	var data []byte
	for {
		pkt := h.nextWritten()
		data = append(data, pkt...)
		h.dev.HandleControlIn()
		if h.hal.Stalled(0) {
			return data, true
		}
		if len(pkt) < harnessMaxPacket || len(data) >= int(req.Length) {
			break
		}
	}

	h.hal.QueuePacket(nil)
	h.dev.HandleControlOut()
	return data, h.hal.Stalled(0)
}

// controlOut runs a host-to-device transfer to completion, reporting whether
// the device stalled.
func (h *ctrlHarness) controlOut(req SetupPacket, data []byte) bool {
	h.t.Helper()
	h.setup(req)
	if h.hal.Stalled(0) {
		return true
	}

	for len(data) > 0 {
		n := harnessMaxPacket
		if n > len(data) {
			n = len(data)
		}
		h.hal.QueuePacket(data[:n])
		h.dev.HandleControlOut()
		if h.hal.Stalled(0) {
			return true
		}
		data = data[n:]
	}

	pkt := h.nextWritten()
	require.Empty(h.t, pkt, "status stage must be a zero-length packet")
	h.dev.HandleControlIn()
	return h.hal.Stalled(0)
}

func getDeviceDescriptorRequest(length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionIn,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      length,
	}
}

func TestDeviceDescriptorChunking(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	data, stalled := h.controlIn(getDeviceDescriptorRequest(64))
	require.False(t, stalled)

	// 18 bytes over max packet 8: two full packets plus a short one, and the
	// short final packet means no zero-length packet is needed.
	written := h.hal.Written()
	require.Len(t, written, 3)
	assert.Len(t, written[0], 8)
	assert.Len(t, written[1], 8)
	assert.Len(t, written[2], 2)
	assert.True(t, bytes.Equal(data, harnessDescriptor().Encode()))
}

func TestDescriptorTruncatedToRequestedLength(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// The classic first enumeration request: only 8 bytes of the device
	// descriptor. The response fills exactly one packet and, because it
	// matches wLength, needs no zero-length packet after it.
	data, stalled := h.controlIn(getDeviceDescriptorRequest(8))
	require.False(t, stalled)
	require.Len(t, data, 8)
	assert.Len(t, h.hal.Written(), 1)

	// the length prefix still announces the full descriptor
	assert.EqualValues(t, DeviceDescriptorLength, data[0])
	assert.EqualValues(t, harnessMaxPacket, data[7])
}

func TestZeroLengthPacketTerminatesAlignedResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Handler responds with exactly one full packet while the host asked for
	// more: the transfer must end with a zero-length packet, since the host
	// has no short packet to detect the end otherwise.
	err := h.dev.RegisterControlHandler(
		RequestDirectionIn|RequestTypeVendor, 0xFF,
		func(_ *SetupPacket, xfer *ControlTransfer) RequestOutcome {
			xfer.Data = xfer.Data[:8]
			for i := range xfer.Data {
				xfer.Data[i] = byte(i)
			}
			return RequestHandled
		})
	require.NoError(t, err)

	data, stalled := h.controlIn(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeVendor,
		Length:      16,
	})
	require.False(t, stalled)
	require.Len(t, data, 8)

	written := h.hal.Written()
	require.Len(t, written, 2)
	assert.Len(t, written[0], 8)
	assert.Empty(t, written[1], "expected a zero-length packet")
}

func TestNoZeroLengthPacketWhenResponseFillsRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.dev.RegisterControlHandler(
		RequestDirectionIn|RequestTypeVendor, 0xFF,
		func(_ *SetupPacket, xfer *ControlTransfer) RequestOutcome {
			xfer.Data = xfer.Data[:16]
			return RequestHandled
		})
	require.NoError(t, err)

	data, stalled := h.controlIn(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeVendor,
		Length:      16,
	})
	require.False(t, stalled)
	require.Len(t, data, 16)

	// two full packets, no terminating zero-length packet: the transfer
	// delivered everything the host announced
	assert.Len(t, h.hal.Written(), 2)
}

func TestControlOutAccumulatesAcrossPackets(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(0xA0 + i)
	}

	var got []byte
	completed := false
	err := h.dev.RegisterControlHandler(
		RequestTypeVendor, 0xFF,
		func(_ *SetupPacket, xfer *ControlTransfer) RequestOutcome {
			got = append([]byte(nil), xfer.Data...)
			xfer.Completion = func() { completed = true }
			return RequestHandled
		})
	require.NoError(t, err)

	stalled := h.controlOut(SetupPacket{
		RequestType: RequestTypeVendor,
		Length:      uint16(len(payload)),
	}, payload)
	require.False(t, stalled)

	assert.Equal(t, payload, got)
	assert.True(t, completed, "completion must run after the status stage")
}

func TestCompletionRunsOnlyAfterStatusStage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	completed := false
	err := h.dev.RegisterControlHandler(
		RequestTypeVendor, 0xFF,
		func(_ *SetupPacket, xfer *ControlTransfer) RequestOutcome {
			xfer.Completion = func() { completed = true }
			return RequestHandled
		})
	require.NoError(t, err)

	h.setup(SetupPacket{RequestType: RequestTypeVendor})
	require.False(t, h.hal.Stalled(0))
	assert.False(t, completed, "completion must not run before the status stage")

	_ = h.nextWritten() // status packet
	h.dev.HandleControlIn()
	assert.True(t, completed)
}

func TestSetAddressLatchedAtStatusStage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.setup(SetupPacket{Request: RequestSetAddress, Value: 5})
	require.False(t, h.hal.Stalled(0))

	// The address must not take effect before the host acknowledges the
	// transfer; until then the device still answers on address zero.
	assert.Zero(t, h.hal.AddressCalls())

	_ = h.nextWritten() // status packet
	h.dev.HandleControlIn()
	assert.Equal(t, 1, h.hal.AddressCalls())
	assert.EqualValues(t, 5, h.hal.Address())
}

func TestSetAddressRejectsInvalidAddress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	stalled := h.controlOut(SetupPacket{Request: RequestSetAddress, Value: 200}, nil)
	assert.True(t, stalled)
	assert.Zero(t, h.hal.AddressCalls())
}

func TestUnexpectedEventsStall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.dev.HandleControlIn()
	assert.True(t, h.hal.Stalled(0), "CONTROL IN while idle must stall")

	h.hal.SetStall(0, false)
	h.dev.HandleControlOut()
	assert.True(t, h.hal.Stalled(0), "CONTROL OUT while idle must stall")
}

func TestWrongDirectionEventMidTransferStalls(t *testing.T) {
	t.Parallel()

	t.Run("control out during data in", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		// 18-byte descriptor over max packet 8: after the first packet the
		// engine is still mid data stage, expecting CONTROL IN.
		h.setup(getDeviceDescriptorRequest(64))
		require.False(t, h.hal.Stalled(0))
		_ = h.nextWritten()

		h.dev.HandleControlOut()
		assert.True(t, h.hal.Stalled(0))
	})

	t.Run("control in during data out", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		require.NoError(t, h.dev.RegisterControlHandler(
			RequestTypeVendor, 0xFF,
			func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
				return RequestHandled
			}))

		// multi-packet OUT announced: the engine expects CONTROL OUT next
		h.setup(SetupPacket{RequestType: RequestTypeVendor, Length: 16})
		require.False(t, h.hal.Stalled(0))

		h.dev.HandleControlIn()
		assert.True(t, h.hal.Stalled(0))
	})
}

func TestCompletionRunsAfterStatusOutForInTransfer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	completed := false
	require.NoError(t, h.dev.RegisterControlHandler(
		RequestDirectionIn|RequestTypeVendor, 0xFF,
		func(_ *SetupPacket, xfer *ControlTransfer) RequestOutcome {
			xfer.Data = xfer.Data[:8]
			xfer.Completion = func() { completed = true }
			return RequestHandled
		}))

	h.setup(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeVendor,
		Length:      8,
	})
	require.False(t, h.hal.Stalled(0))

	// single full packet matching wLength: no zero-length packet follows
	pkt := h.nextWritten()
	require.Len(t, pkt, 8)
	h.dev.HandleControlIn()
	require.False(t, h.hal.Stalled(0))
	assert.False(t, completed, "completion must wait for the status stage")

	// host acknowledges with a zero-length STATUS OUT packet
	h.hal.QueuePacket(nil)
	h.dev.HandleControlOut()
	require.False(t, h.hal.Stalled(0))
	assert.True(t, completed)
}

func TestShortSetupPacketStalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.hal.QueuePacket([]byte{0x80, 0x06, 0x00})
	h.dev.HandleSetup()
	assert.True(t, h.hal.Stalled(0))
}

func TestOutPayloadExceedingBufferStallsAtSetup(t *testing.T) {
	t.Parallel()
	hal := NewMockHAL()
	dev, err := NewWithConfig(hal, harnessDescriptor(), []Config{harnessConfig()}, nil,
		&DeviceConfig{ControlBufferSize: 32, MaxControlHandlers: 4, MaxConfigHandlers: 4})
	require.NoError(t, err)

	hal.QueuePacket((&SetupPacket{
		RequestType: RequestTypeVendor,
		Length:      64,
	}).Encode())
	dev.HandleSetup()

	// rejected before any data packet is accepted
	assert.True(t, hal.Stalled(0))
	assert.Empty(t, hal.Written())
}

func TestDataOutWrongPacketSizeStalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.dev.RegisterControlHandler(
		RequestTypeVendor, 0xFF,
		func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
			return RequestHandled
		})
	require.NoError(t, err)

	h.setup(SetupPacket{RequestType: RequestTypeVendor, Length: 16})
	require.False(t, h.hal.Stalled(0))

	h.hal.QueuePacket(make([]byte, 8))
	h.dev.HandleControlOut()
	require.False(t, h.hal.Stalled(0))

	// final packet should carry 8 bytes; 5 is a protocol violation
	h.hal.QueuePacket(make([]byte, 5))
	h.dev.HandleControlOut()
	assert.True(t, h.hal.Stalled(0))
}

func TestSetupAbortsTransferInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	completed := false
	err := h.dev.RegisterControlHandler(
		RequestDirectionIn|RequestTypeVendor, 0xFF,
		func(_ *SetupPacket, xfer *ControlTransfer) RequestOutcome {
			xfer.Data = xfer.Data[:16]
			xfer.Completion = func() { completed = true }
			return RequestHandled
		})
	require.NoError(t, err)

	// start an IN transfer but abandon it after the first packet
	h.setup(SetupPacket{RequestType: RequestDirectionIn | RequestTypeVendor, Length: 16})
	require.False(t, h.hal.Stalled(0))
	_ = h.nextWritten()

	// a new SETUP restarts the engine; the abandoned transfer's completion
	// must never run
	data, stalled := h.controlIn(getDeviceDescriptorRequest(64))
	require.False(t, stalled)
	assert.True(t, bytes.Equal(data, harnessDescriptor().Encode()))
	assert.False(t, completed)
}

func TestDispatchStopsAtFirstDefinitiveOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var order []string
	require.NoError(t, h.dev.RegisterControlHandler(
		RequestTypeVendor, RequestTypeTypeMask,
		func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
			order = append(order, "first")
			return RequestNextHandler
		}))
	require.NoError(t, h.dev.RegisterControlHandler(
		RequestTypeVendor, RequestTypeTypeMask,
		func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
			order = append(order, "second")
			return RequestHandled
		}))
	require.NoError(t, h.dev.RegisterControlHandler(
		RequestTypeVendor, RequestTypeTypeMask,
		func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
			order = append(order, "third")
			return RequestHandled
		}))

	stalled := h.controlOut(SetupPacket{RequestType: RequestTypeVendor}, nil)
	require.False(t, stalled)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestNotSupportedEndsDispatchWithStall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// A definitive rejection must not fall through to the standard handler,
	// even though it would have answered this request.
	require.NoError(t, h.dev.RegisterControlHandler(
		RequestDirectionIn, RequestTypeDirectionMask,
		func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
			return RequestNotSupported
		}))

	_, stalled := h.controlIn(getDeviceDescriptorRequest(64))
	assert.True(t, stalled)
}

func TestHandlerSelectionByTypeMask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	classCalls := 0
	require.NoError(t, h.dev.RegisterControlHandler(
		RequestTypeClass|RequestRecipientInterface,
		RequestTypeTypeMask|RequestTypeRecipientMask,
		func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
			classCalls++
			return RequestHandled
		}))

	// standard request: the class handler's mask filters it out
	data, stalled := h.controlIn(getDeviceDescriptorRequest(64))
	require.False(t, stalled)
	require.NotEmpty(t, data)
	assert.Zero(t, classCalls)

	// class interface request in either direction reaches the handler
	stalled = h.controlOut(SetupPacket{
		RequestType: RequestTypeClass | RequestRecipientInterface,
	}, nil)
	require.False(t, stalled)
	assert.Equal(t, 1, classCalls)
}

func TestRegisterControlHandlerCapacity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	nop := func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
		return RequestNextHandler
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, h.dev.RegisterControlHandler(0, 0, nop))
	}
	err := h.dev.RegisterControlHandler(0, 0, nop)
	assert.ErrorIs(t, err, ErrCallbackTableFull)
}

func TestSetConfigurationFlushesHandlerTable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	staleCalls, freshCalls := 0, 0
	require.NoError(t, h.dev.RegisterControlHandler(
		RequestTypeClass, RequestTypeTypeMask,
		func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
			staleCalls++
			return RequestHandled
		}))

	var configValue uint8 = 0xFF
	require.NoError(t, h.dev.RegisterConfigHandler(func(value uint8) {
		configValue = value
		_ = h.dev.RegisterControlHandler(
			RequestTypeClass, RequestTypeTypeMask,
			func(_ *SetupPacket, _ *ControlTransfer) RequestOutcome {
				freshCalls++
				return RequestHandled
			})
	}))

	stalled := h.controlOut(SetupPacket{Request: RequestSetConfiguration, Value: 1}, nil)
	require.False(t, stalled)
	require.True(t, h.dev.Configured())
	assert.EqualValues(t, 1, configValue)

	stalled = h.controlOut(SetupPacket{RequestType: RequestTypeClass}, nil)
	require.False(t, stalled)
	assert.Zero(t, staleCalls, "handlers from before SET_CONFIGURATION must be gone")
	assert.Equal(t, 1, freshCalls)
}

func TestEndpointHaltFeature(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	const ep = 0x81
	stalled := h.controlOut(SetupPacket{
		RequestType: RequestRecipientEndpoint,
		Request:     RequestSetFeature,
		Value:       FeatureEndpointHalt,
		Index:       ep,
	}, nil)
	require.False(t, stalled)
	assert.True(t, h.hal.Stalled(ep))

	data, stalled := h.controlIn(SetupPacket{
		RequestType: RequestDirectionIn | RequestRecipientEndpoint,
		Request:     RequestGetStatus,
		Index:       ep,
		Length:      2,
	})
	require.False(t, stalled)
	assert.Equal(t, []byte{1, 0}, data)

	stalled = h.controlOut(SetupPacket{
		RequestType: RequestRecipientEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       ep,
	}, nil)
	require.False(t, stalled)
	assert.False(t, h.hal.Stalled(ep))
}

func TestStallRecoveryOnNextSetup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, stalled := h.controlIn(SetupPacket{
		RequestType: RequestDirectionIn | RequestTypeVendor,
		Length:      8,
	})
	require.True(t, stalled, "unclaimed vendor request must stall")

	// the next SETUP recovers the endpoint
	data, stalled := h.controlIn(getDeviceDescriptorRequest(64))
	require.False(t, stalled)
	assert.Len(t, data, DeviceDescriptorLength)
}
