// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package metrics instruments the admin http server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "transfermanager_http_in_flight_requests",
	Help: "A gauge of requests currently being served by the wrapped handler.",
})

var counter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "transfermanager_http_requests_total",
		Help: "A counter for requests to the wrapped handler.",
	},
	[]string{"code", "method"},
)

// duration is partitioned by the HTTP method. It uses custom
// buckets based on the expected request duration.
var duration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "transfermanager_http_request_duration_seconds",
		Help:    "A histogram of latencies for requests.",
		Buckets: []float64{.01, .05, .25, .5, 1, 2.5},
	},
	[]string{"method"},
)

// responseSize has no labels, making it a zero-dimensional
// ObserverVec.
var responseSize = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "transfermanager_http_response_size_bytes",
		Help:    "A histogram of response sizes for requests.",
		Buckets: []float64{200, 500, 900, 1500, 10000},
	},
	[]string{},
)

// New returns a new HTTP middleware that records request counts,
// latencies and response sizes.
func New() func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return promhttp.InstrumentHandlerDuration(duration,
			promhttp.InstrumentHandlerCounter(counter,
				promhttp.InstrumentHandlerResponseSize(responseSize,
					promhttp.InstrumentHandlerInFlight(inFlightGauge, h),
				),
			),
		)
	}
}
