package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrRankExited is the abort reason when a rank's goroutine stops without
// returning, as runtime.Goexit does
var ErrRankExited = errors.New("rank stopped without returning")

// linkDepth is the number of in-flight messages buffered per rank pair
const linkDepth = 64

// localWorld is the shared state of an in-process rank set
type localWorld struct {
	size  int
	links [][]chan []byte // [src][dst]

	abortOnce sync.Once
	aborted   chan struct{}
	reason    error
}

// LocalTransport is one goroutine rank of an in-process world
type LocalTransport struct {
	rank int
	w    *localWorld
}

// NewLocalWorld creates size connected in-process transports
func NewLocalWorld(size int) ([]*LocalTransport, error) {
	if size < 1 {
		return nil, fmt.Errorf("world size %d: %w", size, ErrRankOutOfRange)
	}
	w := &localWorld{
		size:    size,
		links:   make([][]chan []byte, size),
		aborted: make(chan struct{}),
	}
	for src := range w.links {
		w.links[src] = make([]chan []byte, size)
		for dst := range w.links[src] {
			w.links[src][dst] = make(chan []byte, linkDepth)
		}
	}
	ts := make([]*LocalTransport, size)
	for r := range ts {
		ts[r] = &LocalTransport{rank: r, w: w}
	}
	return ts, nil
}

func (t *LocalTransport) Rank() int { return t.rank }
func (t *LocalTransport) Size() int { return t.w.size }

func (t *LocalTransport) abortErr() error {
	return fmt.Errorf("%w: %v", ErrAborted, t.w.reason)
}

func (t *LocalTransport) Send(ctx context.Context, dst int, payload []byte) error {
	if dst < 0 || dst >= t.w.size {
		return fmt.Errorf("send to %d: %w", dst, ErrRankOutOfRange)
	}
	select {
	case <-t.w.aborted:
		return t.abortErr()
	default:
	}
	buf := append([]byte(nil), payload...)
	select {
	case t.w.links[t.rank][dst] <- buf:
		return nil
	case <-t.w.aborted:
		return t.abortErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LocalTransport) Recv(ctx context.Context, src int) ([]byte, error) {
	if src < 0 || src >= t.w.size {
		return nil, fmt.Errorf("recv from %d: %w", src, ErrRankOutOfRange)
	}
	select {
	case <-t.w.aborted:
		return nil, t.abortErr()
	default:
	}
	select {
	case buf := <-t.w.links[src][t.rank]:
		return buf, nil
	case <-t.w.aborted:
		return nil, t.abortErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *LocalTransport) Abort(reason error) {
	t.w.abortOnce.Do(func() {
		t.w.reason = reason
		close(t.w.aborted)
	})
}

func (t *LocalTransport) Close() error { return nil }

// RunLocal runs fn once per rank, each in its own goroutine with its own
// Comm. The first failing rank aborts the world so no rank stays blocked,
// and its error is returned. A rank that never returns from fn, because it
// panicked or called runtime.Goexit, aborts the world too.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, c *Comm) error) error {
	ts, err := NewLocalWorld(size)
	if err != nil {
		return err
	}
	g, gCtx := errgroup.WithContext(ctx)
	for _, t := range ts {
		t := t
		g.Go(func() error {
			returned := false
			defer func() {
				if !returned {
					t.Abort(fmt.Errorf("rank %d: %w", t.rank, ErrRankExited))
				}
			}()
			err := fn(gCtx, New(t))
			returned = true
			if err != nil {
				t.Abort(err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
