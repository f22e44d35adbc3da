// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// messagesTotal counts messages by direction and tag.
	// Labels: direction (sent, received), tag
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focustree",
		Subsystem: "transport",
		Name:      "messages_total",
		Help:      "Messages exchanged between ranks",
	}, []string{"direction", "tag"})

	// bytesTotal counts payload bytes by direction and tag.
	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focustree",
		Subsystem: "transport",
		Name:      "bytes_total",
		Help:      "Payload bytes exchanged between ranks",
	}, []string{"direction", "tag"})
)

func recordSent(tag Tag, n int) {
	messagesTotal.WithLabelValues("sent", tag.String()).Inc()
	bytesTotal.WithLabelValues("sent", tag.String()).Add(float64(n))
}

func recordReceived(tag Tag, n int) {
	messagesTotal.WithLabelValues("received", tag.String()).Inc()
	bytesTotal.WithLabelValues("received", tag.String()).Add(float64(n))
}
