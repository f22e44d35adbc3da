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
	"encoding/binary"
	"fmt"
)

// Number is the constraint of values that can be summed across ranks.
type Number interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float64
}

// EncodeSlice serializes a slice of fixed-size values little-endian.
func EncodeSlice[T any](v []T) ([]byte, error) {
	if len(v) == 0 {
		return []byte{}, nil
	}
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return nil, fmt.Errorf("encoding %d values: %w", len(v), err)
	}
	return b, nil
}

// DecodeSlice is the inverse of EncodeSlice.
func DecodeSlice[T any](b []byte) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if size <= 0 {
		return nil, fmt.Errorf("%w: %T is not fixed-size", ErrMalformedPayload, zero)
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d-byte values", ErrMalformedPayload, len(b), size)
	}
	out := make([]T, len(b)/size)
	if len(out) == 0 {
		return out, nil
	}
	if _, err := binary.Decode(b, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return out, nil
}

// SendSlice encodes v and sends it to dst.
func SendSlice[T any](ctx context.Context, t Transport, dst int, tag Tag, v []T) error {
	b, err := EncodeSlice(v)
	if err != nil {
		return err
	}
	return t.Send(ctx, dst, tag, b)
}

// RecvSlice receives a message from src and decodes it.
func RecvSlice[T any](ctx context.Context, t Transport, src int, tag Tag) ([]T, error) {
	b, err := t.Recv(ctx, src, tag)
	if err != nil {
		return nil, err
	}
	return DecodeSlice[T](b)
}

// AllGatherV concatenates the local slices of all ranks in rank order.
//
// Outputs:
//
//	[]T - Concatenation of every rank's slice.
//	[]int - Displacement of each rank's slice, with a trailing total.
//	error - Transport or decoding failure.
func AllGatherV[T any](ctx context.Context, t Transport, tag Tag, local []T) ([]T, []int, error) {
	me, size := t.Rank(), t.Size()
	for p := 0; p < size; p++ {
		if p == me {
			continue
		}
		if err := SendSlice(ctx, t, p, tag, local); err != nil {
			return nil, nil, fmt.Errorf("all-gather send to %d: %w", p, err)
		}
	}

	parts := make([][]T, size)
	parts[me] = local
	for p := 0; p < size; p++ {
		if p == me {
			continue
		}
		part, err := RecvSlice[T](ctx, t, p, tag)
		if err != nil {
			return nil, nil, fmt.Errorf("all-gather recv from %d: %w", p, err)
		}
		parts[p] = part
	}

	displ := make([]int, size+1)
	for p, part := range parts {
		displ[p+1] = displ[p] + len(part)
	}
	out := make([]T, 0, displ[size])
	for _, part := range parts {
		out = append(out, part...)
	}
	return out, displ, nil
}

// AllReduceSumSlice returns the element-wise sum of v over all ranks. The
// summation order is the rank order on every rank, so float results agree
// bit for bit.
func AllReduceSumSlice[T Number](ctx context.Context, t Transport, v []T) ([]T, error) {
	all, displ, err := AllGatherV(ctx, t, TagAllReduce, v)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(v))
	for p := 0; p < t.Size(); p++ {
		part := all[displ[p]:displ[p+1]]
		if len(part) != len(v) {
			return nil, fmt.Errorf("%w: rank %d contributed %d values, want %d", ErrMalformedPayload, p, len(part), len(v))
		}
		for i, x := range part {
			out[i] += x
		}
	}
	return out, nil
}

// AllReduceSum returns the sum of v over all ranks.
func AllReduceSum[T Number](ctx context.Context, t Transport, v T) (T, error) {
	out, err := AllReduceSumSlice(ctx, t, []T{v})
	if err != nil {
		var zero T
		return zero, err
	}
	return out[0], nil
}

// Barrier returns once every rank has entered it.
func Barrier(ctx context.Context, t Transport) error {
	_, _, err := AllGatherV[uint8](ctx, t, TagBarrier, nil)
	return err
}
