// Package chunker groups records into fixed-size batches for the vault.
package chunker

import (
	"context"
	"errors"
	"io"

	"skyflow-batch-tokenizer/pkg/types"
)

// Chunker reads a record stream once and hands it out in chunks of at most
// size records. It is not safe for concurrent use and cannot be restarted.
type Chunker struct {
	src  types.RecordReader
	size int
	seq  int
	err  error
}

// New creates a Chunker. size must be positive and must not exceed limit, the
// vault's per-call row ceiling.
func New(src types.RecordReader, size, limit int) (*Chunker, error) {
	if err := Validate(size, limit); err != nil {
		return nil, err
	}
	return &Chunker{src: src, size: size}, nil
}

// Validate checks a chunk size against the service limit
func Validate(size, limit int) error {
	if size <= 0 {
		return types.NewConfigError("rows_per_chunk", "must be > 0, got %d", size)
	}
	if limit > 0 && size > limit {
		return types.NewConfigError("rows_per_chunk", "%d exceeds the vault limit of %d rows per call", size, limit)
	}
	return nil
}

// Next returns the next chunk, or io.EOF once the source is exhausted. A read
// error ends the stream: records already buffered are returned first and the
// error is reported on the following call.
func (c *Chunker) Next(ctx context.Context) (types.Chunk, error) {
	if c.err != nil {
		return types.Chunk{}, c.err
	}

	records := make([]types.Record, 0, c.size)
	for len(records) < c.size {
		if err := ctx.Err(); err != nil {
			c.err = err
			break
		}
		rec, err := c.src.Read(ctx)
		if err != nil {
			c.err = err
			break
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return types.Chunk{}, c.err
	}
	chunk := types.Chunk{Seq: c.seq, Records: records}
	c.seq++
	return chunk, nil
}

// Done reports whether the source ended cleanly
func (c *Chunker) Done() bool {
	return errors.Is(c.err, io.EOF)
}

// Count returns the number of chunks needed for n records
func Count(n int64, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return int((n + int64(size) - 1) / int64(size))
}
