// Package coalescer implements the per-session write-staging buffer
// that converts a stream of offset-tagged VMCORE segments into
// contiguous positional writes (spec.md §4.2).
package coalescer

import (
	"os"

	"github.com/pkg/errors"
)

// Size is the fixed staging buffer capacity: 128 KiB.
const Size = 128 * 1024

// Coalescer accumulates contiguous payload chunks and flushes them as a
// single pwrite(2)-style positional write. It is not safe for
// concurrent use; the event multiplexer is its sole caller.
type Coalescer struct {
	buf  [Size]byte
	fill int
	base int64
}

// New returns an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{}
}

// Stage appends (offset, data) to the buffer, flushing first via w if
// the new segment is not contiguous with whatever is already buffered,
// or if it would overflow the buffer. Returns an error only if an
// intervening flush fails; per spec.md §4.2, that error is fatal to
// the owning session.
func (c *Coalescer) Stage(w *os.File, offset int64, data []byte) error {
	if c.fill > 0 && (c.base+int64(c.fill) != offset || c.fill+len(data) > Size) {
		if err := c.Flush(w); err != nil {
			return err
		}
	}

	if c.fill == 0 {
		c.base = offset
	}

	copy(c.buf[c.fill:], data)
	c.fill += len(data)
	return nil
}

// Flush writes all buffered bytes as one positional write at Base().
// Flushing an empty buffer is a no-op. A short or failed write returns
// an error describing the offset and underlying cause, matching the
// info-file line format spec.md §8 scenario 6 expects
// ("write error @ offset %08x: %s").
func (c *Coalescer) Flush(w *os.File) error {
	if c.fill == 0 {
		return nil
	}

	n, err := w.WriteAt(c.buf[:c.fill], c.base)
	if err != nil {
		return errors.Wrapf(err, "write error @ offset %08x", c.base)
	}
	if n != c.fill {
		return errors.Errorf("write error @ offset %08x: short write (%d of %d bytes)", c.base, n, c.fill)
	}

	c.fill = 0
	return nil
}

// Base returns the file offset that buffered byte 0 belongs at.
func (c *Coalescer) Base() int64 { return c.base }

// Fill returns the number of bytes currently staged.
func (c *Coalescer) Fill() int { return c.fill }
