// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webphone_active_calls",
		Help: "Number of live call sessions (0 or 1)",
	})

	callFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webphone_call_failures_total",
		Help: "Terminal call failures by cause",
	}, []string{"cause"})

	registrationAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webphone_registration_attempts_total",
		Help: "REGISTER handshakes attempted",
	})

	transportReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webphone_transport_reconnects_total",
		Help: "Scheduled SIP transport reconnect attempts",
	})
)
