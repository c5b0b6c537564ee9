// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Package metrics exposes trust store activity as Prometheus counters.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/toeirei/keytrust/internal/lock"
	"github.com/toeirei/keytrust/internal/truststore"
)

// Collector implements truststore.Observer on its own registry.
type Collector struct {
	reg *prometheus.Registry

	Lookups   *prometheus.CounterVec
	Decisions *prometheus.CounterVec
	Reloads   *prometheus.CounterVec
	Warnings  *prometheus.CounterVec
}

// New registers the keytrust counters on a fresh registry.
func New() *Collector {
	c := &Collector{
		reg:       prometheus.NewRegistry(),
		Lookups:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keytrust_lookups_total", Help: "trust lookups by kind and result"}, []string{"kind", "result"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keytrust_decisions_total", Help: "trust decisions by action and scope"}, []string{"action", "scope"}),
		Reloads:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keytrust_reloads_total", Help: "durable store refresh checks"}, []string{"result"}),
		Warnings:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "keytrust_warnings_total", Help: "soft failures by kind"}, []string{"kind"}),
	}
	c.reg.MustRegister(c.Lookups, c.Decisions, c.Reloads, c.Warnings)
	return c
}

// Registry returns the registry holding the counters.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) ObserveLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.Lookups.WithLabelValues(kind, result).Inc()
}

func (c *Collector) ObserveDecision(d truststore.Decision) {
	scope := "session"
	if d.Permanent {
		scope = "permanent"
	}
	c.Decisions.WithLabelValues(string(d.Action), scope).Inc()
}

func (c *Collector) ObserveReload(changed bool) {
	result := "unchanged"
	if changed {
		result = "loaded"
	}
	c.Reloads.WithLabelValues(result).Inc()
}

// Warning counts a soft failure reported through an OnWarning hook.
func (c *Collector) Warning(err error) {
	if err == nil {
		return
	}
	c.Warnings.WithLabelValues(warningKind(err)).Inc()
}

func warningKind(err error) string {
	switch {
	case errors.Is(err, lock.ErrLockUnavailable):
		return "lock"
	case errors.Is(err, truststore.ErrStoreUnreadable):
		return "unreadable"
	case errors.Is(err, truststore.ErrStoreUnwritable):
		return "unwritable"
	default:
		return "other"
	}
}

// WriteTextfile dumps the counters in the text format read by the node
// exporter's textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.reg)
}
