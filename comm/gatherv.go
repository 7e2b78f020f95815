package comm

import (
	"context"
	"fmt"
)

// Codec encodes a fixed-width record
type Codec[T any] struct {
	Size int                 // Bytes per record
	Put  func(b []byte, v T) // Encode v into b[:Size]
	Get  func(b []byte) T    // Decode b[:Size]
}

func (cd Codec[T]) encode(v []T) []byte {
	buf := make([]byte, cd.Size*len(v))
	for i := range v {
		cd.Put(buf[i*cd.Size:], v[i])
	}
	return buf
}

func (cd Codec[T]) decode(buf []byte) ([]T, error) {
	if cd.Size <= 0 || len(buf)%cd.Size != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of record size %d: %w",
			len(buf), cd.Size, ErrShortPayload)
	}
	out := make([]T, len(buf)/cd.Size)
	for i := range out {
		out[i] = cd.Get(buf[i*cd.Size:])
	}
	return out, nil
}

// Gatherv collects a variable number of records from every rank. Counts are
// exchanged first so every rank knows every contribution; the root then
// receives the records and returns them in rank order, then local order.
// Non-root ranks receive nil records and the full counts.
func Gatherv[T any](ctx context.Context, c *Comm, local []T, codec Codec[T]) ([]T, []int, error) {
	counts, err := c.AllGatherInt(ctx, len(local))
	if err != nil {
		return nil, nil, fmt.Errorf("gatherv counts: %w", err)
	}
	parts, err := c.Gather(ctx, codec.encode(local))
	if err != nil {
		return nil, nil, fmt.Errorf("gatherv records: %w", err)
	}
	if !c.IsRoot() {
		return nil, counts, nil
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	all := make([]T, 0, total)
	for r, p := range parts {
		recs, err := codec.decode(p)
		if err != nil {
			return nil, nil, c.Abort(fmt.Errorf("gatherv from rank %d: %w", r, err))
		}
		if len(recs) != counts[r] {
			return nil, nil, c.Abort(fmt.Errorf("gatherv from rank %d: %d records, announced %d: %w",
				r, len(recs), counts[r], ErrShortPayload))
		}
		all = append(all, recs...)
	}
	return all, counts, nil
}

// Bcastv sends the root's records to every rank
func Bcastv[T any](ctx context.Context, c *Comm, records []T, codec Codec[T]) ([]T, error) {
	var payload []byte
	if c.IsRoot() {
		payload = codec.encode(records)
	}
	payload, err := c.Bcast(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("bcastv: %w", err)
	}
	if c.IsRoot() {
		return records, nil
	}
	return codec.decode(payload)
}
