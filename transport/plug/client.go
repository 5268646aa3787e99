// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package plug talks to a TP-Link HS100/HS110 smart plug over its ciphered
// JSON-over-TCP control protocol.
package plug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPort is the plug's control port.
	DefaultPort = 9999

	// DefaultTimeout bounds a whole command round trip.
	DefaultTimeout = 5 * time.Second

	maxResponseSize = 1024
)

var ErrShortResponse = errors.New("plug: response shorter than header")

// Client runs one command per TCP session against a plug.
type Client struct {
	Address string
	// Timeout bounds dial, write and read. Zero waits forever.
	Timeout time.Duration

	limiter *rate.Limiter
}

// NewClient allocates a Client for the plug at host, using DefaultPort.
func NewClient(host string) *Client {
	return &Client{
		Address: net.JoinHostPort(host, strconv.Itoa(DefaultPort)),
		Timeout: DefaultTimeout,
	}
}

// SetRequestPause enforces a minimum pause between two commands. Zero disables it.
func (c *Client) SetRequestPause(pause time.Duration) {
	if pause <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Every(pause), 1)
}

// RunCommand sends command and returns the deciphered reply. Only a single read of up
// to 1024 bytes is made; a reply spread over several segments is truncated.
func (c *Client) RunCommand(ctx context.Context, command string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("plug: waiting for request slot: %w", err)
		}
	}

	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, fmt.Errorf("plug: failed to connect to %s: %w", c.Address, err)
	}
	defer conn.Close()

	if c.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	slog.Debug("send to plug", "addr", c.Address, "command", command)
	if _, err := conn.Write(Encrypt([]byte(command))); err != nil {
		return nil, fmt.Errorf("plug: write to %s: %w", c.Address, err)
	}

	buf := make([]byte, maxResponseSize)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		return nil, fmt.Errorf("plug: read from %s: %w", c.Address, err)
	}
	if n < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortResponse, n)
	}

	reply := Decrypt(buf[headerSize:n])
	slog.Debug("recv from plug", "addr", c.Address, "reply", string(reply))
	return reply, nil
}
