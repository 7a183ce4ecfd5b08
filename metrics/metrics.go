// Copyright 2026 The pageserver Authors
// This file is part of the pageserver library.
//
// The pageserver library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pageserver library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pageserver library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics is a thin registration layer over rcrowley/go-metrics,
// giving every subsystem a namespaced counter/gauge/meter without each one
// having to juggle the underlying registry directly.
package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Enabled gates registration: when false, the constructors return no-op
// metrics instead of registering with the global registry. It defaults to
// true, and nothing in this module sets it to false.
var Enabled = true

var registry = gometrics.NewRegistry()

// Registry exposes the underlying registry for the /debug/metrics HTTP
// handler to range over.
func Registry() gometrics.Registry { return registry }

// NewRegisteredCounter returns a process-wide named counter.
func NewRegisteredCounter(name string) gometrics.Counter {
	if !Enabled {
		return new(gometrics.NilCounter)
	}
	return gometrics.GetOrRegisterCounter(name, registry)
}

// NewRegisteredGauge returns a process-wide named gauge.
func NewRegisteredGauge(name string) gometrics.Gauge {
	if !Enabled {
		return new(gometrics.NilGauge)
	}
	return gometrics.GetOrRegisterGauge(name, registry)
}

// NewRegisteredMeter returns a process-wide named meter.
func NewRegisteredMeter(name string) gometrics.Meter {
	if !Enabled {
		return gometrics.NilMeter{}
	}
	return gometrics.GetOrRegisterMeter(name, registry)
}

// NewRegisteredHistogram returns a process-wide named histogram with an
// exponentially decaying reservoir sample.
func NewRegisteredHistogram(name string) gometrics.Histogram {
	if !Enabled {
		return gometrics.NilHistogram{}
	}
	sample := gometrics.NewExpDecaySample(1028, 0.015)
	return gometrics.GetOrRegisterHistogram(name, registry, sample)
}
