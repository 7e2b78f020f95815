// Package comm provides the rank collectives used by the coupling core.
//
// Every collective is rooted at the coordinator (rank 0) and must be called
// by all ranks in the same order, including ranks with nothing to contribute.
// Messages between a pair of ranks are delivered in order, so collectives
// need no tags.
package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Root is the coordinator rank
const Root = 0

var (
	ErrAborted        = errors.New("communicator aborted")
	ErrNoRoute        = errors.New("no route between ranks")
	ErrRankOutOfRange = errors.New("rank out of range")
	ErrShortPayload   = errors.New("payload length mismatch")
)

// Transport moves opaque byte messages between ranks
type Transport interface {
	Rank() int
	Size() int
	// Send delivers a copy of payload to dst
	Send(ctx context.Context, dst int, payload []byte) error
	// Recv blocks for the next message from src
	Recv(ctx context.Context, src int) ([]byte, error)
	// Abort unblocks every rank; pending and later calls fail with ErrAborted
	Abort(reason error)
	Close() error
}

// Comm runs collectives over a Transport
type Comm struct {
	t Transport
}

func New(t Transport) *Comm {
	return &Comm{t: t}
}

func (c *Comm) Rank() int    { return c.t.Rank() }
func (c *Comm) Size() int    { return c.t.Size() }
func (c *Comm) IsRoot() bool { return c.t.Rank() == Root }
func (c *Comm) Close() error { return c.t.Close() }

// Abort tears down the communicator on every rank and returns err wrapped
// so that callers can propagate it directly.
func (c *Comm) Abort(err error) error {
	c.t.Abort(err)
	return fmt.Errorf("rank %d: %w: %w", c.Rank(), ErrAborted, err)
}

// Gather collects one payload per rank at the root in rank order.
// Non-root ranks receive nil.
func (c *Comm) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	if !c.IsRoot() {
		if err := c.t.Send(ctx, Root, payload); err != nil {
			return nil, fmt.Errorf("gather send: %w", err)
		}
		return nil, nil
	}
	out := make([][]byte, c.Size())
	out[Root] = append([]byte(nil), payload...)
	for r := 0; r < c.Size(); r++ {
		if r == Root {
			continue
		}
		buf, err := c.t.Recv(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("gather recv from %d: %w", r, err)
		}
		out[r] = buf
	}
	return out, nil
}

// Bcast sends the root's payload to every rank and returns it everywhere
func (c *Comm) Bcast(ctx context.Context, payload []byte) ([]byte, error) {
	if !c.IsRoot() {
		buf, err := c.t.Recv(ctx, Root)
		if err != nil {
			return nil, fmt.Errorf("bcast recv: %w", err)
		}
		return buf, nil
	}
	for r := 0; r < c.Size(); r++ {
		if r == Root {
			continue
		}
		if err := c.t.Send(ctx, r, payload); err != nil {
			return nil, fmt.Errorf("bcast send to %d: %w", r, err)
		}
	}
	return payload, nil
}

// Barrier returns once every rank has entered it
func (c *Comm) Barrier(ctx context.Context) error {
	if _, err := c.Gather(ctx, nil); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	if _, err := c.Bcast(ctx, nil); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

// AllGatherInt returns every rank's v, indexed by rank
func (c *Comm) AllGatherInt(ctx context.Context, v int) ([]int, error) {
	var local [8]byte
	binary.LittleEndian.PutUint64(local[:], uint64(int64(v)))
	parts, err := c.Gather(ctx, local[:])
	if err != nil {
		return nil, err
	}
	var all []byte
	if c.IsRoot() {
		all = make([]byte, 0, 8*c.Size())
		for r, p := range parts {
			if len(p) != 8 {
				return nil, c.Abort(fmt.Errorf("all-gather from rank %d: %d bytes: %w",
					r, len(p), ErrShortPayload))
			}
			all = append(all, p...)
		}
	}
	all, err = c.Bcast(ctx, all)
	if err != nil {
		return nil, err
	}
	if len(all) != 8*c.Size() {
		return nil, fmt.Errorf("all-gather: %d bytes for %d ranks: %w", len(all), c.Size(), ErrShortPayload)
	}
	out := make([]int, c.Size())
	for r := range out {
		out[r] = int(int64(binary.LittleEndian.Uint64(all[8*r:])))
	}
	return out, nil
}

// AllReduceSum replaces x on every rank with the element-wise sum over
// ranks. The sum is accumulated in rank order at the root so every run
// with the same rank count is bit-for-bit reproducible.
func (c *Comm) AllReduceSum(ctx context.Context, x []float64) error {
	parts, err := c.Gather(ctx, EncodeFloats(x))
	if err != nil {
		return err
	}
	var sum []byte
	if c.IsRoot() {
		acc := make([]float64, len(x))
		for r, p := range parts {
			v, err := DecodeFloats(p)
			if err != nil || len(v) != len(x) {
				return c.Abort(fmt.Errorf("all-reduce from rank %d: %d values, want %d: %w",
					r, len(p)/8, len(x), ErrShortPayload))
			}
			for i := range acc {
				acc[i] += v[i]
			}
		}
		sum = EncodeFloats(acc)
	}
	sum, err = c.Bcast(ctx, sum)
	if err != nil {
		return err
	}
	v, err := DecodeFloats(sum)
	if err != nil || len(v) != len(x) {
		return fmt.Errorf("all-reduce result: %w", ErrShortPayload)
	}
	copy(x, v)
	return nil
}

// BcastFloats broadcasts the root's values; other ranks' x are ignored
func (c *Comm) BcastFloats(ctx context.Context, x []float64) ([]float64, error) {
	var payload []byte
	if c.IsRoot() {
		payload = EncodeFloats(x)
	}
	payload, err := c.Bcast(ctx, payload)
	if err != nil {
		return nil, err
	}
	return DecodeFloats(payload)
}

// BcastInts broadcasts the root's values; other ranks' v are ignored
func (c *Comm) BcastInts(ctx context.Context, v []int) ([]int, error) {
	var payload []byte
	if c.IsRoot() {
		payload = make([]byte, 8*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint64(payload[8*i:], uint64(int64(x)))
		}
	}
	payload, err := c.Bcast(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(payload)%8 != 0 {
		return nil, fmt.Errorf("bcast ints: %d bytes: %w", len(payload), ErrShortPayload)
	}
	out := make([]int, len(payload)/8)
	for i := range out {
		out[i] = int(int64(binary.LittleEndian.Uint64(payload[8*i:])))
	}
	return out, nil
}

func EncodeFloats(x []float64) []byte {
	buf := make([]byte, 8*len(x))
	for i, v := range x {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func DecodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%d bytes is not a float64 array: %w", len(buf), ErrShortPayload)
	}
	x := make([]float64, len(buf)/8)
	for i := range x {
		x[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return x, nil
}
