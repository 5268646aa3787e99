// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/plug-modbus-gateway/internal/gateway"
	"github.com/ffutop/plug-modbus-gateway/internal/plugtest"
	"github.com/ffutop/plug-modbus-gateway/internal/relay"
	"github.com/ffutop/plug-modbus-gateway/transport"
	"github.com/ffutop/plug-modbus-gateway/transport/plug"
	"github.com/ffutop/plug-modbus-gateway/transport/tcp"
	"github.com/ffutop/plug-modbus-gateway/transport/udp"
)

func freePort(t *testing.T, network string) string {
	t.Helper()
	if network == "udp" {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer pc.Close()
		return pc.LocalAddr().String()
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

// startGateway wires a plug client for dev into a gateway served on TCP and UDP.
func startGateway(t *testing.T, dev *plugtest.Device) (tcpAddr, udpAddr string) {
	t.Helper()
	tcpAddr = freePort(t, "tcp")
	udpAddr = freePort(t, "udp")

	client := &plug.Client{Address: dev.Addr, Timeout: time.Second}
	udpServer := udp.NewServer(udpAddr, nil)
	gw := gateway.NewGateway("it", []transport.Upstream{
		tcp.NewServer(tcpAddr, nil),
		udpServer,
	}, relay.NewController(client, nil), nil)
	gw.RequestTimeout = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	for i := 0; i < 50; i++ {
		if udpServer.Addr() == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		conn, err := net.Dial("tcp", tcpAddr)
		if err == nil {
			conn.Close()
			return tcpAddr, udpAddr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not start listening")
	return "", ""
}

func newMaster(t *testing.T, addr string) modbus.Client {
	t.Helper()
	handler := modbus.NewTCPClientHandler(addr)
	handler.SlaveId = gateway.UnitID
	handler.Timeout = 2 * time.Second
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { handler.Close() })
	return modbus.NewClient(handler)
}

func TestGateway_ModbusTCPMaster(t *testing.T) {
	dev := plugtest.NewDevice(t, false)
	tcpAddr, _ := startGateway(t, dev)
	master := newMaster(t, tcpAddr)

	coils, err := master.ReadCoils(gateway.CoilAddress, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, coils)

	results, err := master.WriteSingleCoil(gateway.CoilAddress, 0xFF00)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x00}, results)
	assert.True(t, dev.RelayOn())

	coils, err = master.ReadCoils(gateway.CoilAddress, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, coils)

	_, err = master.WriteSingleCoil(gateway.CoilAddress, 0x0000)
	require.NoError(t, err)
	assert.False(t, dev.RelayOn())

	assert.Equal(t, []string{
		relay.CmdGetSysInfo,
		relay.CmdSetRelayOn,
		relay.CmdGetSysInfo,
		relay.CmdSetRelayOff,
	}, dev.Commands())
}

func TestGateway_ModbusUDP(t *testing.T) {
	dev := plugtest.NewDevice(t, true)
	_, udpAddr := startGateway(t, dev)

	conn, err := net.Dial("udp", udpAddr)
	require.NoError(t, err)
	defer conn.Close()

	exchange := func(req []byte) ([]byte, error) {
		if _, err := conn.Write(req); err != nil {
			return nil, err
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 260)
		n, err := conn.Read(buf)
		return buf[:n], err
	}

	resp, err := exchange([]byte{0xAA, 0x55, 0, 0, 0, 6, 1, 1, 0, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x55, 0, 0, 0, 4, 1, 1, 1, 1}, resp)

	// invalid coil value: dropped, the plug is not contacted
	_, err = exchange([]byte{0xAA, 0x56, 0, 0, 0, 6, 1, 5, 0, 0, 0x12, 0x34})
	assert.Error(t, err)
	assert.Equal(t, []string{relay.CmdGetSysInfo}, dev.Commands())
}

func TestGateway_PlugUnreachable(t *testing.T) {
	dev := plugtest.NewDevice(t, true)
	tcpAddr, _ := startGateway(t, dev)
	dev.Close()

	handler := modbus.NewTCPClientHandler(tcpAddr)
	handler.SlaveId = gateway.UnitID
	handler.Timeout = 500 * time.Millisecond
	defer handler.Close()
	master := modbus.NewClient(handler)

	// no response is sent when the plug cannot be reached
	_, err := master.ReadCoils(gateway.CoilAddress, 1)
	assert.Error(t, err)
}
