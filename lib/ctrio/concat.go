package ctrio

import "io"

// component is one segment of a Concat view.
type component struct {
	stream io.ReaderAt
	size   int64
}

// Concat is a read-only view spanning an ordered list of sub-streams as
// one virtual address space, so callers can read across the split points
// without knowing where they fall. The NCCH ExeFS view does not use it: it
// dispatches between its two cipher streams directly.
type Concat struct {
	parts  []component
	prefix []int64 // prefix[i] = sum of sizes of parts[0:i]
	total  int64
	cursor int64
}

// NewConcat builds a concatenated view from an ordered list of
// (stream, size) pairs.
func NewConcat(streams []io.ReaderAt, sizes []int64) *Concat {
	if len(streams) != len(sizes) {
		panic("ctrio: NewConcat streams/sizes length mismatch")
	}
	c := &Concat{prefix: make([]int64, len(streams)+1)}
	for i, s := range streams {
		c.parts = append(c.parts, component{stream: s, size: sizes[i]})
		c.prefix[i+1] = c.prefix[i] + sizes[i]
	}
	c.total = c.prefix[len(c.prefix)-1]
	return c
}

// Size returns the total virtual size spanning all components.
func (c *Concat) Size() int64 { return c.total }

// locate returns the component index containing absolute offset off, and
// the offset within that component.
func (c *Concat) locate(off int64) (idx int, within int64, ok bool) {
	if off < 0 || off >= c.total {
		return 0, 0, false
	}
	// Binary search over the prefix sums.
	lo, hi := 0, len(c.parts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.prefix[mid] <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, off - c.prefix[lo], true
}

// ReadAt reads across component boundaries transparently.
func (c *Concat) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for len(p) > 0 {
		idx, within, ok := c.locate(off)
		if !ok {
			if total == 0 {
				return 0, io.EOF
			}
			return total, io.EOF
		}
		part := c.parts[idx]
		n := part.size - within
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		read, err := part.stream.ReadAt(p[:n], within)
		total += read
		off += int64(read)
		p = p[read:]
		if err != nil && err != io.EOF {
			return total, err
		}
		if int64(read) < n {
			return total, io.EOF
		}
	}
	return total, nil
}

func (c *Concat) Read(p []byte) (int, error) {
	n, err := c.ReadAt(p, c.cursor)
	c.cursor += int64(n)
	return n, err
}

func (c *Concat) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = c.cursor + offset
	case io.SeekEnd:
		target = c.total + offset
	default:
		return 0, io.ErrUnexpectedEOF
	}
	if target < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	c.cursor = target
	return target, nil
}

func (c *Concat) Close() error { return nil }
