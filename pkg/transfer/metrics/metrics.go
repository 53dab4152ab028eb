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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveTransfers is a Prometheus gauge that tracks the number of admitted, unfinished transfers.
	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transfermanager_active_transfers",
		Help: "Number of transfers currently handled by the transfer manager",
	})

	// AdmittedTransfers is a Prometheus counter of admitted transfer requests.
	AdmittedTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfermanager_admitted_total",
		Help: "Number of admitted transfer requests",
	})

	// RejectedTransfers is a Prometheus counter of transfer requests refused before admission.
	RejectedTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfermanager_rejected_total",
		Help: "Number of transfer requests refused before admission",
	},
		// reason can be "too_many_transfers" or "bad_request"
		[]string{"reason"},
	)

	// CompletedTransfers is a Prometheus counter of transfers that reached a terminal phase.
	CompletedTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfermanager_completed_total",
		Help: "Number of finished transfers",
	},
		// direction can be "store" or "restore"
		// result is the reply code, "0" on success
		[]string{"direction", "result"},
	)

	// DeleteRetries is a Prometheus counter of repeated namespace deletes during cleanup.
	DeleteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfermanager_namespace_delete_retries_total",
		Help: "Number of namespace deletes retried during cleanup",
	})
)
