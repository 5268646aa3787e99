// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package plugtest runs a loopback smart plug for tests.
package plugtest

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/plug-modbus-gateway/transport/plug"
)

const sysInfoTemplate = `{"system":{"get_sysinfo":{"err_code":0,"sw_ver":"1.2.5 Build 171213 Rel.101523",` +
	`"hw_ver":"1.0","type":"IOT.SMARTPLUGSWITCH","model":"HS100(UK)","mac":"50:C7:BF:00:00:01",` +
	`"alias":"Test Plug","relay_state":%STATE%,"on_time":42,"active_mode":"none","led_off":0}}}`

const setRelayReply = `{"system":{"set_relay_state":{"err_code":0}}}`

// Device emulates the control port of an HS100 plug.
type Device struct {
	Addr string

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	relayOn  bool
	sysInfo  string
	silent   bool
	commands []string
}

// NewDevice starts a plug on a random loopback port. It is closed when the test ends.
func NewDevice(t testing.TB, relayOn bool) *Device {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("plugtest: listen: %v", err)
	}
	d := &Device{Addr: ln.Addr().String(), ln: ln, relayOn: relayOn}
	d.wg.Add(1)
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

// Close stops the listener and waits for open sessions.
func (d *Device) Close() {
	d.ln.Close()
	d.wg.Wait()
}

func (d *Device) RelayOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.relayOn
}

func (d *Device) SetRelay(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relayOn = on
}

// SetSysInfo replaces the get_sysinfo reply. An empty string restores the default.
func (d *Device) SetSysInfo(reply string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sysInfo = reply
}

// SetSilent makes the plug accept commands without ever replying.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// Commands returns the deciphered commands received so far.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *Device) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.wg.Add(1)
		go func(c net.Conn) {
			defer d.wg.Done()
			defer c.Close()
			d.handle(c)
		}(conn)
	}
}

func (d *Device) handle(c net.Conn) {
	c.SetDeadline(time.Now().Add(5 * time.Second))

	var buf bytes.Buffer
	chunk := make([]byte, 512)
	var command string
	for {
		n, err := c.Read(chunk)
		buf.Write(chunk[:n])
		if buf.Len() > 4 {
			command = string(plug.Decrypt(buf.Bytes()[4:]))
			if strings.HasSuffix(command, "}}}") {
				break
			}
		}
		if err != nil {
			return
		}
	}

	reply, silent := d.apply(command)
	if silent {
		// hold the session open until the client gives up
		c.Read(chunk)
		return
	}
	c.Write(plug.Encrypt([]byte(reply)))
}

func (d *Device) apply(command string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)

	switch {
	case strings.Contains(command, `"get_sysinfo"`):
		if d.sysInfo != "" {
			return d.sysInfo, d.silent
		}
		state := "0"
		if d.relayOn {
			state = "1"
		}
		return strings.Replace(sysInfoTemplate, "%STATE%", state, 1), d.silent
	case strings.Contains(command, `"set_relay_state":{"state":1}`):
		d.relayOn = true
		return setRelayReply, d.silent
	case strings.Contains(command, `"set_relay_state":{"state":0}`):
		d.relayOn = false
		return setRelayReply, d.silent
	default:
		return `{"system":{"err_code":-1,"err_msg":"module not support"}}`, d.silent
	}
}
