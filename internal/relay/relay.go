// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package relay

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ffutop/plug-modbus-gateway/internal/metrics"
)

// Plug commands.
const (
	CmdGetSysInfo  = `{"system":{"get_sysinfo":{}}}`
	CmdSetRelayOn  = `{"system":{"set_relay_state":{"state":1}}}`
	CmdSetRelayOff = `{"system":{"set_relay_state":{"state":0}}}`
)

var (
	relayOnPattern  = []byte(`","relay_state":1,`)
	relayOffPattern = []byte(`","relay_state":0,`)
)

// Status is the relay state as reported by the plug.
type Status int

const (
	Unknown Status = iota
	Off
	On
)

func (s Status) String() string {
	switch s {
	case On:
		return "ON"
	case Off:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// Commander runs a single plug command and returns its reply.
type Commander interface {
	RunCommand(ctx context.Context, command string) ([]byte, error)
}

// Controller reads and switches the relay of one plug.
type Controller struct {
	client  Commander
	metrics *metrics.Metrics
}

// NewController creates a Controller. m may be nil.
func NewController(client Commander, m *metrics.Metrics) *Controller {
	return &Controller{client: client, metrics: m}
}

// GetRelayStatus queries the plug. The state is never cached.
func (c *Controller) GetRelayStatus(ctx context.Context) (Status, error) {
	reply, err := c.run(ctx, "get_sysinfo", CmdGetSysInfo)
	if err != nil {
		return Unknown, err
	}
	switch {
	case bytes.Contains(reply, relayOnPattern):
		return On, nil
	case bytes.Contains(reply, relayOffPattern):
		return Off, nil
	default:
		return Unknown, nil
	}
}

// SetRelayStatus switches the relay. The plug's reply is not checked, so a command the
// plug refuses is not reported.
func (c *Controller) SetRelayStatus(ctx context.Context, on bool) error {
	cmd := CmdSetRelayOff
	if on {
		cmd = CmdSetRelayOn
	}
	_, err := c.run(ctx, "set_relay_state", cmd)
	return err
}

func (c *Controller) run(ctx context.Context, name, cmd string) ([]byte, error) {
	start := time.Now()
	reply, err := c.client.RunCommand(ctx, cmd)
	c.metrics.ObservePlugCommand(name, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("relay: %s: %w", name, err)
	}
	return reply, nil
}
