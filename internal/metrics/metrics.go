// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request results.
const (
	ResultOK      = "ok"
	ResultDropped = "dropped"
	ResultError   = "error"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler exposing reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds the gateway collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests     *prometheus.CounterVec   // labels: function, result
	Dropped      *prometheus.CounterVec   // labels: reason
	PlugDuration *prometheus.HistogramVec // labels: command
	PlugErrors   *prometheus.CounterVec   // labels: command
	TCPAccepted  prometheus.Counter
	UDPDatagrams prometheus.Counter
	SerialFrames prometheus.Counter
}

// New registers the gateway collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_requests_total",
			Help: "Modbus requests handled by function code and result.",
		}, []string{"function", "result"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_frames_dropped_total",
			Help: "Modbus frames discarded without a response.",
		}, []string{"reason"}),
		PlugDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plug_command_duration_seconds",
			Help:    "Round trip time of plug commands.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"command"}),
		PlugErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plug_command_errors_total",
			Help: "Failed plug commands.",
		}, []string{"command"}),
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted Modbus/TCP connections.",
		}),
		UDPDatagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udp_datagrams_received_total",
			Help: "Total Modbus/UDP datagrams received.",
		}),
		SerialFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtu_frames_received_total",
			Help: "Total Modbus RTU frames received.",
		}),
	}
	reg.MustRegister(m.Requests, m.Dropped, m.PlugDuration, m.PlugErrors, m.TCPAccepted, m.UDPDatagrams, m.SerialFrames)
	return m
}

func (m *Metrics) ObserveRequest(function byte, result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(fmt.Sprintf("0x%02X", function), result).Inc()
}

func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePlugCommand(command string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.PlugDuration.WithLabelValues(command).Observe(d.Seconds())
	if err != nil {
		m.PlugErrors.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) ObserveAccept() {
	if m == nil {
		return
	}
	m.TCPAccepted.Inc()
}

func (m *Metrics) ObserveDatagram() {
	if m == nil {
		return
	}
	m.UDPDatagrams.Inc()
}

func (m *Metrics) ObserveSerialFrame() {
	if m == nil {
		return
	}
	m.SerialFrames.Inc()
}

// Serve exposes reg on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener on %s: %w", addr, err)
	}
	return nil
}
