package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type rec struct {
	ID  uint64
	Val int32
}

var recCodec = Codec[rec]{
	Size: 12,
	Put: func(b []byte, v rec) {
		binary.LittleEndian.PutUint64(b, v.ID)
		binary.LittleEndian.PutUint32(b[8:], uint32(v.Val))
	},
	Get: func(b []byte) rec {
		return rec{
			ID:  binary.LittleEndian.Uint64(b),
			Val: int32(binary.LittleEndian.Uint32(b[8:])),
		}
	},
}

func TestCollectivesLocal(t *testing.T) {
	for _, size := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("ranks=%d", size), func(t *testing.T) {
			runCollectives(t, size, func(ctx context.Context, fn func(context.Context, *Comm) error) error {
				return RunLocal(ctx, size, fn)
			})
		})
	}
}

func runCollectives(t *testing.T, size int,
	run func(context.Context, func(context.Context, *Comm) error) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	rootRecords := []rec(nil)
	seenCounts := make(map[int][]int)

	err := run(ctx, func(ctx context.Context, c *Comm) error {
		if err := c.Barrier(ctx); err != nil {
			return err
		}

		ranks, err := c.AllGatherInt(ctx, 10*c.Rank())
		if err != nil {
			return err
		}
		for r, v := range ranks {
			if v != 10*r {
				return fmt.Errorf("rank %d saw %v", c.Rank(), ranks)
			}
		}

		x := []float64{float64(c.Rank()), 1}
		if err := c.AllReduceSum(ctx, x); err != nil {
			return err
		}
		want := float64(size*(size-1)) / 2
		if x[0] != want || x[1] != float64(size) {
			return fmt.Errorf("rank %d: all-reduce %v", c.Rank(), x)
		}

		// rank r contributes r records, rank 0 contributes none
		local := make([]rec, c.Rank())
		for i := range local {
			local[i] = rec{ID: uint64(100*c.Rank() + i), Val: int32(c.Rank())}
		}
		all, counts, err := Gatherv(ctx, c, local, recCodec)
		if err != nil {
			return err
		}
		mu.Lock()
		seenCounts[c.Rank()] = counts
		if c.IsRoot() {
			rootRecords = all
		}
		mu.Unlock()

		back, err := Bcastv(ctx, c, all, recCodec)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		if len(back) != total {
			return fmt.Errorf("rank %d: bcastv returned %d of %d", c.Rank(), len(back), total)
		}
		return c.Barrier(ctx)
	})
	require.NoError(t, err)

	wantCounts := make([]int, size)
	var want []rec
	for r := 0; r < size; r++ {
		wantCounts[r] = r
		for i := 0; i < r; i++ {
			want = append(want, rec{ID: uint64(100*r + i), Val: int32(r)})
		}
	}
	for r := 0; r < size; r++ {
		assert.Equal(t, wantCounts, seenCounts[r], "rank %d counts", r)
	}
	assert.Equal(t, len(want), len(rootRecords))
	if len(want) > 0 {
		assert.Equal(t, want, rootRecords)
	}
}

func TestAbortUnblocksEveryRank(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	errs := make([]error, 3)
	_ = RunLocal(ctx, 3, func(ctx context.Context, c *Comm) error {
		var err error
		if c.IsRoot() {
			err = c.Abort(boom)
		} else {
			// never answered; must be released by the abort
			_, err = c.Bcast(ctx, nil)
		}
		errs[c.Rank()] = err
		return err
	})
	for r, err := range errs {
		assert.ErrorIs(t, err, ErrAborted, "rank %d", r)
	}
	assert.ErrorIs(t, errs[0], boom)
}

func TestFailingRankAbortsWorld(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("rank 2 failed")
	err := RunLocal(ctx, 3, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 2 {
			return boom
		}
		return c.Barrier(ctx)
	})
	assert.Error(t, err)
}

func TestRankExitAbortsWorld(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := RunLocal(ctx, 3, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 1 {
			// what testing's FailNow does on a rank goroutine
			runtime.Goexit()
		}
		return c.Barrier(ctx)
	})
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorContains(t, err, ErrRankExited.Error())
	assert.NoError(t, ctx.Err(), "ranks were released by the abort, not the deadline")
}

func TestCollectivesWebsocket(t *testing.T) {
	const size = 3
	runCollectives(t, size, func(ctx context.Context, fn func(context.Context, *Comm) error) error {
		hub, err := Listen("127.0.0.1:0", size, nil)
		if err != nil {
			return err
		}
		url := "ws://" + hub.Addr()

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			tr, err := hub.Wait(gCtx)
			if err != nil {
				return err
			}
			defer tr.Close()
			return fn(gCtx, New(tr))
		})
		for r := 1; r < size; r++ {
			r := r
			g.Go(func() error {
				tr, err := Dial(gCtx, url, r, size, nil)
				if err != nil {
					return err
				}
				defer tr.Close()
				return fn(gCtx, New(tr))
			})
		}
		return g.Wait()
	})
}

func TestWebsocketAbortReachesPeers(t *testing.T) {
	const size = 3
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub, err := Listen("127.0.0.1:0", size, nil)
	require.NoError(t, err)
	url := "ws://" + hub.Addr()

	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 1; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			tr, err := Dial(ctx, url, r, size, nil)
			if err != nil {
				errs[r] = err
				return
			}
			defer tr.Close()
			c := New(tr)
			if errs[r] = c.Barrier(ctx); errs[r] != nil {
				return
			}
			if r == 1 {
				errs[r] = c.Abort(errors.New("rank 1 failed"))
				return
			}
			_, errs[r] = c.Bcast(ctx, nil)
		}(r)
	}
	tr, err := hub.Wait(ctx)
	require.NoError(t, err)
	c := New(tr)
	require.NoError(t, c.Barrier(ctx))
	_, errs[0] = c.Gather(ctx, nil)
	wg.Wait()
	_ = tr.Close()

	for r, err := range errs {
		assert.ErrorIs(t, err, ErrAborted, "rank %d", r)
	}
}

func TestWebsocketAbortBeforeAllRanksConnect(t *testing.T) {
	const size = 3
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub, err := Listen("127.0.0.1:0", size, nil)
	require.NoError(t, err)
	url := "ws://" + hub.Addr()

	early, err := Dial(ctx, url, 1, size, nil)
	require.NoError(t, err)
	defer early.Close()
	_ = New(early).Abort(errors.New("rank 1 failed"))

	select {
	case <-hub.t.aborted:
	case <-ctx.Done():
		t.Fatal("coordinator never saw the abort")
	}

	// rank 2 connects after the abort was relayed and still learns of it
	late, err := Dial(ctx, url, 2, size, nil)
	require.NoError(t, err)
	defer late.Close()
	_, err = New(late).Bcast(ctx, nil)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorContains(t, err, "rank 1 failed")

	tr, err := hub.Wait(ctx)
	require.NoError(t, err)
	defer tr.Close()
	_, err = New(tr).Gather(ctx, nil)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestWebsocketRejectsBadRank(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub, err := Listen("127.0.0.1:0", 2, nil)
	require.NoError(t, err)
	defer hub.t.Close()

	_, err = Dial(ctx, "ws://"+hub.Addr(), 2, 2, nil)
	assert.ErrorIs(t, err, ErrRankOutOfRange)
	_, err = Dial(ctx, "ws://"+hub.Addr(), 1, 3, nil)
	assert.Error(t, err)
}

func TestFloatCodec(t *testing.T) {
	x := []float64{1.5, -2, 0}
	got, err := DecodeFloats(EncodeFloats(x))
	require.NoError(t, err)
	assert.Equal(t, x, got)
	_, err = DecodeFloats([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortPayload)
}
