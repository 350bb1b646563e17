// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics holds the Prometheus collectors of the patch log server
// and a span type for timing operations.
package metrics // import "rdfdelta.io/metrics"

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rdfdelta.io/errors"
)

// Patch log metrics.
var (
	PatchAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_patch_appends_total",
		Help: "Number of patches appended to any log.",
	})

	PatchRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_patch_rejects_total",
		Help: "Number of patches rejected, by reason.",
	}, []string{"reason"})

	PatchLogVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "delta_patchlog_version",
		Help: "Head version of each patch log.",
	}, []string{"datasource"})

	DataSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delta_datasources",
		Help: "Number of registered data sources.",
	})
)

// Lock metrics.
var (
	LockOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_lock_ops_total",
		Help: "Number of lock operations, by operation and result.",
	}, []string{"op", "result"})

	LocksLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_locks_lost_total",
		Help: "Number of held locks lost because a refresh failed.",
	})
)

var opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "delta_op_duration_seconds",
	Help:    "Duration of server operations.",
	Buckets: prometheus.DefBuckets,
}, []string{"op"})

// Reasons a patch is rejected.
const (
	RejectBadPatch = "bad_patch"
	RejectLock     = "lock"
	RejectIO       = "io"
)

// Lock operation results.
const (
	ResultOK     = "ok"
	ResultDenied = "denied"
	ResultError  = "error"
)

// Lock records the outcome of a lock operation. A nil err with ok false
// is contention, which is counted as denied rather than as an error.
func Lock(op string, ok bool, err error) {
	var result string
	switch {
	case err != nil:
		result = ResultError
	case ok:
		result = ResultOK
	default:
		result = ResultDenied
	}
	LockOps.WithLabelValues(op, result).Inc()
}

// A Span measures the time from the start of an operation until End.
type Span struct {
	Name      errors.Op
	StartTime time.Time
	EndTime   time.Time
}

// StartSpan starts a span named for op with the current time.
func StartSpan(op errors.Op) *Span {
	return &Span{Name: op, StartTime: time.Now()}
}

// End records the duration of the span and returns it.
// Calls after the first have no effect.
func (s *Span) End() time.Duration {
	if !s.EndTime.IsZero() {
		return s.EndTime.Sub(s.StartTime)
	}
	s.EndTime = time.Now()
	d := s.EndTime.Sub(s.StartTime)
	opDuration.WithLabelValues(string(s.Name)).Observe(d.Seconds())
	return d
}
