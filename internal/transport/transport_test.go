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
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type point struct {
	Pos  [3]float64
	Mass float64
}

func TestLocal_FIFOPerSourceAndTag(t *testing.T) {
	ctx := context.Background()
	eps := NewLocal(2)

	require.NoError(t, eps[0].Send(ctx, 1, TagPeerCounts, []byte("a")))
	require.NoError(t, eps[0].Send(ctx, 1, TagPeerCenters, []byte("x")))
	require.NoError(t, eps[0].Send(ctx, 1, TagPeerCounts, []byte("b")))

	got, err := eps[1].Recv(ctx, 0, TagPeerCenters)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	got, err = eps[1].Recv(ctx, 0, TagPeerCounts)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
	got, err = eps[1].Recv(ctx, 0, TagPeerCounts)
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestLocal_SendCopiesPayload(t *testing.T) {
	ctx := context.Background()
	eps := NewLocal(2)
	buf := []byte{1, 2, 3}
	require.NoError(t, eps[0].Send(ctx, 1, TagTreelets, buf))
	buf[0] = 9

	got, err := eps[1].Recv(ctx, 0, TagTreelets)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestLocal_RecvHonoursContext(t *testing.T) {
	eps := NewLocal(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := eps[1].Recv(ctx, 0, TagTreelets)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_Close(t *testing.T) {
	ctx := context.Background()
	eps := NewLocal(2)
	require.NoError(t, eps[0].Send(ctx, 1, TagTreelets, []byte("pending")))
	require.NoError(t, eps[1].Close())

	got, err := eps[1].Recv(ctx, 0, TagTreelets)
	require.NoError(t, err)
	assert.Equal(t, "pending", string(got))

	_, err = eps[1].Recv(ctx, 0, TagTreelets)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, eps[1].Send(ctx, 0, TagTreelets, nil), ErrTransportClosed)
}

func TestLocal_RankOutOfRange(t *testing.T) {
	eps := NewLocal(2)
	assert.ErrorIs(t, eps[0].Send(context.Background(), 2, TagTreelets, nil), ErrRankOutOfRange)
	_, err := eps[0].Recv(context.Background(), -1, TagTreelets)
	assert.ErrorIs(t, err, ErrRankOutOfRange)
}

func TestCodec_StructSlice(t *testing.T) {
	in := []point{{Pos: [3]float64{1, 2, 3}, Mass: 4}, {Pos: [3]float64{-1, 0, 0.5}, Mass: 0}}
	b, err := EncodeSlice(in)
	require.NoError(t, err)
	assert.Len(t, b, 64)

	out, err := DecodeSlice[point](b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCodec_Malformed(t *testing.T) {
	_, err := DecodeSlice[uint32]([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeSlice[int]([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	out, err := DecodeSlice[uint64](nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

// runRanks runs fn on every endpoint concurrently.
func runRanks(t *testing.T, eps []Transport, fn func(ctx context.Context, tr Transport) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		g.Go(func() error { return fn(ctx, ep) })
	}
	require.NoError(t, g.Wait())
}

func localGroup(n int) []Transport {
	var out []Transport
	for _, l := range NewLocal(n) {
		out = append(out, l)
	}
	return out
}

func checkCollectives(t *testing.T, eps []Transport) {
	runRanks(t, eps, func(ctx context.Context, tr Transport) error {
		me := tr.Rank()
		local := make([]uint64, me+1)
		for i := range local {
			local[i] = uint64(10*me + i)
		}
		all, displ, err := AllGatherV(ctx, tr, TagAllGather, local)
		if err != nil {
			return err
		}
		assert.Equal(t, len(eps)+1, len(displ))
		for p := 0; p < tr.Size(); p++ {
			assert.Equal(t, p+1, displ[p+1]-displ[p])
			assert.Equal(t, uint64(10*p), all[displ[p]])
		}

		sum, err := AllReduceSum(ctx, tr, uint32(me+1))
		if err != nil {
			return err
		}
		n := uint32(tr.Size())
		assert.Equal(t, n*(n+1)/2, sum)

		vec, err := AllReduceSumSlice(ctx, tr, []float64{1, float64(me)})
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{float64(n), float64(n*(n-1)/2)}, vec)
		return Barrier(ctx, tr)
	})
}

func TestCollectives_Local(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		checkCollectives(t, localGroup(n))
	}
}

func TestWebsocket_Mesh(t *testing.T) {
	const n = 3
	eps := make([]*Websocket, n)
	urls := make([]string, n)
	for i := range eps {
		eps[i] = NewWebsocket(i, n, nil)
		srv := httptest.NewServer(eps[i])
		t.Cleanup(srv.Close)
		urls[i] = "ws" + strings.TrimPrefix(srv.URL, "http")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		g.Go(func() error { return ep.Connect(gctx, urls, 10*time.Millisecond) })
	}
	require.NoError(t, g.Wait())

	group := make([]Transport, n)
	for i, ep := range eps {
		group[i] = ep
	}
	checkCollectives(t, group)

	require.NoError(t, eps[0].Send(ctx, 0, TagTreelets, []byte("self")))
	got, err := eps[0].Recv(ctx, 0, TagTreelets)
	require.NoError(t, err)
	assert.Equal(t, "self", string(got))

	for _, ep := range eps {
		assert.NoError(t, ep.Close())
	}
	assert.ErrorIs(t, eps[1].Send(ctx, 2, TagTreelets, nil), ErrTransportClosed)
}

func TestWebsocket_RejectsBadRank(t *testing.T) {
	ep := NewWebsocket(0, 2, nil)
	srv := httptest.NewServer(ep)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "?rank=7")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestTag_String(t *testing.T) {
	assert.Equal(t, "peer_counts", TagPeerCounts.String())
	assert.Equal(t, "tag_99", Tag(99).String())
}
