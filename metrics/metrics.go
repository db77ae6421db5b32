/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics holds the Prometheus collectors of the unit of work and
// the cache backends. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uow"

// Transaction outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeAbandoned  = "abandoned"
	OutcomeFailed     = "failed"
)

type Metrics struct {
	Transactions *prometheus.CounterVec
	Saves        *prometheus.HistogramVec
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	CacheErrors  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Explicit transactions by outcome.",
		}, []string{"outcome"}),
		Saves: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of SaveChanges calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode", "status"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups that found a live entry.",
		}, []string{"backend"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that found nothing.",
		}, []string{"backend"}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Cache backend failures.",
		}, []string{"backend"}),
	}
	if reg != nil {
		reg.MustRegister(m.Transactions, m.Saves, m.CacheHits, m.CacheMisses, m.CacheErrors)
	}
	return m
}

func (m *Metrics) Transaction(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}

// ObserveSave records one SaveChanges call. mode is "implicit", "inner" or
// "explicit".
func (m *Metrics) ObserveSave(mode string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Saves.WithLabelValues(mode, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) CacheLookup(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(backend).Inc()
	} else {
		m.CacheMisses.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) CacheError(backend string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(backend).Inc()
}
