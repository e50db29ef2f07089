// Copyright 2021 The paragate Authors
// This file is part of the paragate library.
//
// The paragate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The paragate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the paragate library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the gateway's file-backed state to Prometheus. The
// exporter holds no counters of its own: every sample is read from the pipe
// documents at scrape time, so the numbers match what `tail -F` on the same
// files shows. Workers stay free of instrumentation calls.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/ingest"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/parachain"
	"github.com/paragate/paragate/pipe"
	"github.com/paragate/paragate/watchdog"
)

// Exporter serves the /metrics endpoint when the config enables it.
type Exporter struct {
	cfg *config.Config
	bus *pipe.Bus
	srv *http.Server
	ln  net.Listener
	log log.Logger
}

// New returns an unstarted exporter.
func New(cfg *config.Config, bus *pipe.Bus) *Exporter {
	return &Exporter{
		cfg: cfg,
		bus: bus,
		log: log.New("module", "metrics"),
	}
}

// Start binds the metrics listener. A disabled exporter starts as a no-op.
func (e *Exporter) Start() error {
	if !e.cfg.Metrics.Enabled {
		return nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(e.cfg, e.bus))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", e.cfg.Metrics.Addr)
	if err != nil {
		return err
	}
	e.ln = ln
	e.srv = &http.Server{Handler: mux}
	go e.srv.Serve(ln)

	e.log.Info("metrics listener started", "endpoint", "http://"+ln.Addr().String()+"/metrics")
	return nil
}

// Stop shuts the listener down.
func (e *Exporter) Stop() error {
	if e.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.srv.Shutdown(ctx)
	e.log.Info("metrics listener stopped")
	return err
}

// Addr reports the bound listener address, empty when disabled.
func (e *Exporter) Addr() string {
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// collector reads the pipe documents on every scrape. Documents that are
// missing, for example before the first worker round, simply contribute no
// samples.
type collector struct {
	cfg *config.Config
	bus *pipe.Bus

	parachainHead  *prometheus.Desc
	hostHead       *prometheus.Desc
	addressesFree  *prometheus.Desc
	addressesTotal *prometheus.Desc
	workerAlive    *prometheus.Desc
	workerSilence  *prometheus.Desc
	events         *prometheus.Desc
}

func newCollector(cfg *config.Config, bus *pipe.Bus) *collector {
	return &collector{
		cfg: cfg,
		bus: bus,
		parachainHead: prometheus.NewDesc("paragate_parachain_head_block",
			"Highest block cached by a network's parachain worker.", []string{"network"}, nil),
		hostHead: prometheus.NewDesc("paragate_host_ledger_block",
			"Last host-ledger block the maven pool agreed on.", nil, nil),
		addressesFree: prometheus.NewDesc("paragate_deposit_addresses_free",
			"Deposit addresses currently available per pooled network.", []string{"network"}, nil),
		addressesTotal: prometheus.NewDesc("paragate_deposit_addresses_total",
			"Deposit addresses configured per pooled network.", []string{"network"}, nil),
		workerAlive: prometheus.NewDesc("paragate_worker_alive",
			"Whether a worker group is beating its watchdog mark.", []string{"process"}, nil),
		workerSilence: prometheus.NewDesc("paragate_worker_silence_seconds",
			"Seconds since a worker group's last heartbeat.", []string{"process"}, nil),
		events: prometheus.NewDesc("paragate_events_total",
			"Events numbered so far per event kind.", []string{"kind"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.parachainHead
	ch <- c.hostHead
	ch <- c.addressesFree
	ch <- c.addressesTotal
	ch <- c.workerAlive
	ch <- c.workerSilence
	ch <- c.events
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, network := range c.cfg.Offerings {
		var cache parachain.Cache
		if err := c.bus.Read(parachain.Doc(network), &cache); err == nil {
			ch <- prometheus.MustNewConstMetric(c.parachainHead, prometheus.GaugeValue,
				float64(cache.MaxBlock()), network)
		}
		if config.MemoBased(network) {
			continue
		}
		// The pool vector document is the allocator's on-disk contract:
		// index 0 is the outbound address, 1 marks a free slot.
		var state []int
		if err := c.bus.Read(network+"_gateway_state", &state); err == nil && len(state) > 0 {
			free := 0
			for i := 1; i < len(state); i++ {
				if state[i] == 1 {
					free++
				}
			}
			ch <- prometheus.MustNewConstMetric(c.addressesFree, prometheus.GaugeValue,
				float64(free), network)
			ch <- prometheus.MustNewConstMetric(c.addressesTotal, prometheus.GaugeValue,
				float64(len(state)-1), network)
		}
	}
	if head, err := c.bus.ReadScalar(ingest.BlockNumberDoc); err == nil {
		ch <- prometheus.MustNewConstMetric(c.hostHead, prometheus.GaugeValue, float64(head))
	}
	var marks map[string]watchdog.Mark
	if err := c.bus.Read(watchdog.Doc, &marks); err == nil {
		now := time.Now().Unix()
		for process, mark := range marks {
			alive := 0.0
			if mark.Alive {
				alive = 1
			}
			ch <- prometheus.MustNewConstMetric(c.workerAlive, prometheus.GaugeValue, alive, process)
			ch <- prometheus.MustNewConstMetric(c.workerSilence, prometheus.GaugeValue,
				float64(now-mark.Updated), process)
		}
	}
	// Counter documents are named by the workers that own them.
	for kind, doc := range map[string]string{
		"deposit":    "deposit_id",
		"withdrawal": "withdrawal_id",
		"ingot":      "ingot_id",
	} {
		if n, err := c.bus.ReadScalar(doc); err == nil {
			ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(n), kind)
		}
	}
}
