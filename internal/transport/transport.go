// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport moves tagged byte messages between ranks.
//
// # Description
//
// A Transport connects one rank to all others of a fixed-size group.
// Messages are matched by (source rank, tag) and delivered in the order
// they were sent from that source with that tag. Sends never block on the
// receiver: every endpoint buffers arriving messages in an unbounded
// mailbox, so symmetric exchanges in which every rank first sends to all
// peers and then receives cannot deadlock.
//
// Two implementations exist: Local connects goroutines of one process,
// Websocket connects processes over a full mesh of websocket connections.
//
// # Thread Safety
//
// Send may be called concurrently. Recv may be called concurrently for
// distinct (source, tag) pairs.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Tag distinguishes message streams between the same pair of ranks.
type Tag int32

const (
	TagPeerCounts Tag = iota + 1
	TagPeerCenters
	TagTreelets
	TagAllGather
	TagAllReduce
	TagGlobalCenters
	TagBarrier
)

// String returns the tag name used in logs and metric labels.
func (t Tag) String() string {
	switch t {
	case TagPeerCounts:
		return "peer_counts"
	case TagPeerCenters:
		return "peer_centers"
	case TagTreelets:
		return "treelets"
	case TagAllGather:
		return "all_gather"
	case TagAllReduce:
		return "all_reduce"
	case TagGlobalCenters:
		return "global_centers"
	case TagBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("tag_%d", int32(t))
	}
}

var (
	// ErrTransportClosed is returned by operations on a closed endpoint.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRankOutOfRange is returned for ranks outside [0, Size()).
	ErrRankOutOfRange = errors.New("rank out of range")

	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Transport is one rank's endpoint of a message-passing group.
type Transport interface {
	// Rank returns the index of this endpoint in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Send delivers payload to rank dst under tag. The payload may be
	// reused by the caller after Send returns.
	Send(ctx context.Context, dst int, tag Tag, payload []byte) error

	// Recv blocks until a message from src with tag arrives, ctx is done
	// or the endpoint is closed.
	Recv(ctx context.Context, src int, tag Tag) ([]byte, error)

	// Close releases the endpoint. Pending and future Recv calls fail
	// with ErrTransportClosed once buffered messages are drained.
	Close() error
}

func checkRank(r, size int) error {
	if r < 0 || r >= size {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrRankOutOfRange, r, size)
	}
	return nil
}
