package stream

import (
	"io"
	"sync"
)

// requestBody buffers data written by SendData until the transport reads
// it. Writes never block.
type requestBody struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	ended  bool
	err    error
	read   int64
}

func newRequestBody() *requestBody {
	b := &requestBody{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// write queues a copy of p. end marks the last write.
func (b *requestBody) write(p []byte, end bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended || b.err != nil {
		return
	}
	if len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		b.chunks = append(b.chunks, chunk)
	}
	b.ended = end
	b.cond.Broadcast()
}

// abort fails pending and future reads with err.
func (b *requestBody) abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}

func (b *requestBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.chunks) == 0 && !b.ended && b.err == nil {
		b.cond.Wait()
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	if n == len(b.chunks[0]) {
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	} else {
		b.chunks[0] = b.chunks[0][n:]
	}
	b.read += int64(n)
	return n, nil
}

func (b *requestBody) bytesRead() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read
}
