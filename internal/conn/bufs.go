package conn

import (
	"fmt"
	"net"
	"time"
)

// maxVecLen bounds a single appended vector. Anything larger is a programming
// error, not data.
const maxVecLen = 0xFFFFFF

// Bufs is a reusable list of byte vectors for scatter sends. Append grows it,
// Flush resets it keeping the backing array, and Send writes it starting at an
// arbitrary byte offset so a partially-completed send can be retried without
// copying.
type Bufs struct {
	vecs  [][]byte
	total int
}

// Append adds a vector and returns the new logical total.
func (b *Bufs) Append(p []byte) int {
	if len(p) > maxVecLen {
		panic(fmt.Sprintf("vector length sanity check failed, len is %d", len(p)))
	}
	b.vecs = append(b.vecs, p)
	b.total += len(p)
	return b.total
}

// Flush empties the list for reuse.
func (b *Bufs) Flush() {
	b.vecs = b.vecs[:0]
	b.total = 0
}

// Total is the logical byte length of all vectors.
func (b *Bufs) Total() int { return b.total }

// Count is the number of vectors held.
func (b *Bufs) Count() int { return len(b.vecs) }

// AppendChunkHeader appends an HTTP chunked-transfer size line for a chunk of
// the given size and returns the new total.
func (b *Bufs) AppendChunkHeader(size int) int {
	return b.Append([]byte(fmt.Sprintf("%x\r\n", size)))
}

// AppendChunkEnd appends the chunk-terminating CRLF and returns the new total.
func (b *Bufs) AppendChunkEnd() int {
	return b.Append([]byte("\r\n"))
}

// locate finds the vector index holding logical offset skip and the byte
// offset within it. skip must be < total.
func (b *Bufs) locate(skip int) (int, int) {
	sum := 0
	for i, v := range b.vecs {
		if sum+len(v) > skip {
			return i, skip - sum
		}
		sum += len(v)
	}
	panic(fmt.Sprintf("writev skip %d beyond total %d", skip, b.total))
}

// Send writes the vectors starting at logical byte offset skip and returns the
// number of bytes sent. Plain connections use a single vectored write; TLS
// sessions emulate it with sequential writes that stop at the first short or
// blocked result. Partial progress is returned without error; zero progress is
// ErrWouldBlock.
func (b *Bufs) Send(c *Conn, skip int) (int, error) {
	if skip > b.total {
		panic(fmt.Sprintf("writev skip %d beyond total %d", skip, b.total))
	}
	if skip == b.total || len(b.vecs) == 0 {
		return 0, nil
	}
	if c.err {
		return 0, net.ErrClosed
	}
	t := c.transport()
	if t == nil {
		if c.sock == nil || c.tlsErr.Load() {
			c.err = true
			return 0, net.ErrClosed
		}
		return 0, ErrWouldBlock
	}

	i, off := b.locate(skip)

	if c.tls == nil {
		// A spliced view of the residual vectors; net.Buffers consumes the
		// copy, the originals stay intact for the next retry.
		view := make(net.Buffers, 0, len(b.vecs)-i)
		view = append(view, b.vecs[i][off:])
		view = append(view, b.vecs[i+1:]...)

		_ = t.SetWriteDeadline(time.Now().Add(pollSlice))
		n64, err := view.WriteTo(t)
		n := int(n64)
		if n > 0 {
			c.sentBytes += uint64(n)
		}
		if err != nil {
			if isTimeout(err) {
				if n > 0 {
					return n, nil
				}
				return 0, ErrWouldBlock
			}
			c.err = true
			return n, err
		}
		return n, nil
	}

	sent := 0
	for ; i < len(b.vecs); i++ {
		v := b.vecs[i]
		if off > 0 {
			v = v[off:]
			off = 0
		}
		n, err := c.Write(v)
		sent += n
		if err != nil {
			if err == ErrWouldBlock && sent > 0 {
				return sent, nil
			}
			if sent > 0 {
				return sent, nil
			}
			return 0, err
		}
		if n < len(v) {
			break
		}
	}
	return sent, nil
}
