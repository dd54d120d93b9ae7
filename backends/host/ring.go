// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"slices"

	"github.com/gomlx/collperf/backends"
	"golang.org/x/sync/errgroup"
)

// forEachGroup runs fn concurrently for each group of local members, and waits for all of them.
func forEachGroup(ctx context.Context, groups [][]backends.Buffer,
	fn func(ctx context.Context, members []backends.Buffer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(groups) == 1 {
		return fn(ctx, groups[0])
	}
	g, gCtx := errgroup.WithContext(ctx)
	for _, members := range groups {
		g.Go(func() error { return fn(gCtx, members) })
	}
	return g.Wait()
}

// chunkBounds returns the [start, end) of chunk idx, when splitting length elements into numChunks
// contiguous chunks of nearly the same size.
func chunkBounds(length, numChunks, idx int) (start, end int) {
	return idx * length / numChunks, (idx + 1) * length / numChunks
}

// ring connects the members of a group: member r receives from member r-1 and sends to member r+1.
type ring[T element] struct {
	links []chan []T
}

func newRing[T element](size int) *ring[T] {
	r := &ring[T]{links: make([]chan []T, size)}
	for ii := range r.links {
		r.links[ii] = make(chan []T, 1)
	}
	return r
}

// send a copy of chunk to the member following rank.
func (r *ring[T]) send(ctx context.Context, rank int, chunk []T) error {
	select {
	case r.links[(rank+1)%len(r.links)] <- slices.Clone(chunk):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv the next chunk sent to rank.
func (r *ring[T]) recv(ctx context.Context, rank int) ([]T, error) {
	select {
	case chunk := <-r.links[rank]:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runRing runs fn(rank) on one goroutine per member.
func runRing(ctx context.Context, size int, fn func(ctx context.Context, rank int) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	for rank := range size {
		g.Go(func() error { return fn(gCtx, rank) })
	}
	return g.Wait()
}

// allReduce with the ring algorithm: a reduce-scatter phase, after which member r holds the fully reduced
// chunk r+1, followed by an all-gather phase that circulates the reduced chunks.
func (o *typedOps[T]) allReduce(ctx context.Context, members []backends.Buffer) error {
	flats, err := o.flats(members)
	if err != nil {
		return err
	}
	n := len(flats)
	length := len(flats[0])
	r := newRing[T](n)
	return runRing(ctx, n, func(ctx context.Context, rank int) error {
		flat := flats[rank]
		for step := range n - 1 {
			start, end := chunkBounds(length, n, (rank-step+n)%n)
			if err := r.send(ctx, rank, flat[start:end]); err != nil {
				return err
			}
			incoming, err := r.recv(ctx, rank)
			if err != nil {
				return err
			}
			start, _ = chunkBounds(length, n, (rank-step-1+n)%n)
			for ii, v := range incoming {
				flat[start+ii] = o.add(flat[start+ii], v)
			}
		}
		for step := range n - 1 {
			start, end := chunkBounds(length, n, (rank+1-step+n)%n)
			if err := r.send(ctx, rank, flat[start:end]); err != nil {
				return err
			}
			incoming, err := r.recv(ctx, rank)
			if err != nil {
				return err
			}
			start, _ = chunkBounds(length, n, (rank-step+n)%n)
			copy(flat[start:], incoming)
		}
		return nil
	})
}

// allGather with the ring algorithm: member r starts with its own chunk r, and at each step forwards the
// last chunk it received.
func (o *typedOps[T]) allGather(ctx context.Context, members []backends.Buffer) error {
	flats, err := o.flats(members)
	if err != nil {
		return err
	}
	n := len(flats)
	length := len(flats[0])
	r := newRing[T](n)
	return runRing(ctx, n, func(ctx context.Context, rank int) error {
		flat := flats[rank]
		for step := range n - 1 {
			start, end := chunkBounds(length, n, (rank-step+n)%n)
			if err := r.send(ctx, rank, flat[start:end]); err != nil {
				return err
			}
			incoming, err := r.recv(ctx, rank)
			if err != nil {
				return err
			}
			start, _ = chunkBounds(length, n, (rank-step-1+n)%n)
			copy(flat[start:], incoming)
		}
		return nil
	})
}
