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

// usbserial exposes a host UART as a USB CDC ACM serial device through a
// MAX3420E controller: a USB-to-serial adapter built from the device side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	usbdev "github.com/usbforge/go-usbdev"
	"github.com/usbforge/go-usbdev/cdc"
	"github.com/usbforge/go-usbdev/hal/max3420"
	"github.com/usbforge/go-usbdev/uart"
)

const (
	commInterface = 0
	dataInterface = 1
	notifEndpoint = 3
	dataEndpoint  = 1 // OUT on EP1; the matching IN endpoint is EP2 on the chip
	dataInEP      = 2

	bulkMaxPacket = 64

	idlePollDelay = 500 * time.Microsecond
)

type config struct {
	spiPort    string
	intPin     string
	serialPort string
	debug      bool
}

// Package-level flag variables
var (
	flagSPIPort    string
	flagIntPin     string
	flagSerialPort string
	flagDebug      bool
)

func init() {
	flag.StringVar(&flagSPIPort, "spi", "", "SPI port of the MAX3420E (empty for the first available)")
	flag.StringVar(&flagIntPin, "int-pin", "", "GPIO name of the controller interrupt line (empty to poll)")
	flag.StringVar(&flagSerialPort, "serial", "/dev/ttyS0", "Serial port to bridge")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

func parseConfig() *config {
	cfg := &config{
		spiPort:    flagSPIPort,
		intPin:     flagIntPin,
		serialPort: flagSerialPort,
		debug:      flagDebug,
	}

	if cfg.debug {
		usbdev.SetDebugEnabled(true)
	}

	return cfg
}

// newSerialDevice assembles the CDC ACM device: descriptors, the control
// engine on the MAX3420E and the ACM control plane wired to the UART driver.
func newSerialDevice(ctrl *max3420.Controller, drv *uart.Driver) (*usbdev.Device, error) {
	desc := &usbdev.DeviceDescriptor{
		SpecVersion:       0x0200,
		DeviceClass:       0xEF, // miscellaneous, IAD
		DeviceSubClass:    0x02,
		DeviceProtocol:    0x01,
		MaxPacketSize0:    64,
		VendorID:          0x6666,
		ProductID:         0x0201,
		DeviceVersion:     0x0100,
		ManufacturerStr:   1,
		ProductStr:        2,
		NumConfigurations: 1,
	}
	cfg := cdc.SerialConfig(1, commInterface, dataInterface, notifEndpoint, dataInEP, bulkMaxPacket)

	dev, err := usbdev.New(ctrl, desc, []usbdev.Config{cfg}, []string{"USBForge", "USB Serial Bridge"})
	if err != nil {
		return nil, fmt.Errorf("failed to create USB device: %w", err)
	}

	acm := cdc.NewACM(commInterface)
	acm.SetCodingFunc = func(coding cdc.LineCoding) bool {
		if err := drv.SetCoding(int(coding.BaudRate), int(coding.DataBits),
			uartStopBits(coding.StopBits), uartParity(coding.Parity)); err != nil {
			usbdev.Debugf("usbserial: line coding rejected: %v", err)
			return false
		}
		return true
	}
	acm.ControlLineFunc = func(dtr, rts bool) {
		usbdev.Debugf("usbserial: DTR=%v RTS=%v", dtr, rts)
	}
	if err := acm.Install(dev); err != nil {
		return nil, fmt.Errorf("failed to install CDC ACM handler: %w", err)
	}
	return dev, nil
}

func uartStopBits(s uint8) uart.StopBits {
	switch s {
	case cdc.StopBits1_5:
		return uart.StopBitsOnePointFive
	case cdc.StopBits2:
		return uart.StopBitsTwo
	default:
		return uart.StopBitsOne
	}
}

func uartParity(p uint8) uart.Parity {
	switch p {
	case cdc.ParityOdd:
		return uart.ParityOdd
	case cdc.ParityEven:
		return uart.ParityEven
	default:
		return uart.ParityNone
	}
}

// bridge is the device main loop: it pumps USB events into the control
// engine and shuttles payload between the bulk endpoints and the UART rings.
func bridge(ctx context.Context, ctrl *max3420.Controller, dev *usbdev.Device, drv *uart.Driver) error {
	buf := make([]byte, bulkMaxPacket)
	inFlight := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := ctrl.Dispatch(dev)
		if err != nil {
			return fmt.Errorf("controller poll failed: %w", err)
		}

		switch ev {
		case max3420.EventDataOut:
			n, err := ctrl.ReadPacket(dataEndpoint, buf)
			if err != nil {
				return fmt.Errorf("bulk OUT read failed: %w", err)
			}
			if accepted := drv.Transmit(buf[:n]); accepted < n {
				usbdev.Debugf("usbserial: UART tx overflow, dropped %d bytes", n-accepted)
			}
		case max3420.EventDataIn:
			inFlight = false
		}

		if err := drv.Poll(); err != nil {
			return fmt.Errorf("UART poll failed: %w", err)
		}
		if drv.OverrunOccurred() {
			usbdev.Debugf("usbserial: UART rx overrun")
		}

		if !inFlight && dev.Configured() {
			if n := drv.CopyReceived(buf); n > 0 {
				if err := ctrl.WritePacket(dataInEP, buf[:n]); err != nil {
					return fmt.Errorf("bulk IN write failed: %w", err)
				}
				inFlight = true
			}
		}

		if ev == max3420.EventNone {
			time.Sleep(idlePollDelay)
		}
	}
}

func run(ctx context.Context, cfg *config) error {
	ctrl, err := max3420.New(cfg.spiPort, cfg.intPin)
	if err != nil {
		return fmt.Errorf("failed to open MAX3420E: %w", err)
	}
	defer func() {
		if closeErr := ctrl.Close(); closeErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close controller: %v\n", closeErr)
		}
	}()

	if cfg.debug {
		if rev, revErr := ctrl.Revision(); revErr == nil {
			_, _ = fmt.Printf("MAX3420E revision: 0x%02X\n", rev)
		}
	}

	drv, err := uart.Open(cfg.serialPort)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	defer func() {
		if closeErr := drv.Close(); closeErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close serial port: %v\n", closeErr)
		}
	}()

	dev, err := newSerialDevice(ctrl, drv)
	if err != nil {
		return err
	}

	_, _ = fmt.Printf("Bridging %s to USB. Press Ctrl+C to stop...\n", cfg.serialPort)
	return bridge(ctx, ctrl, dev, drv)
}

func main() {
	flag.Parse()
	cfg := parseConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
