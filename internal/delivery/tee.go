package delivery

import (
	"io"
	"sync"
)

const chunkSize = 32 * 1024

// Tee fans one upstream byte stream out to exactly two consumers. Each
// branch buffers independently, so a slow accounting reader never stalls the
// client reader and both observe identical bytes in order.
type Tee struct {
	client     *branch
	accounting *branch
}

// NewTee starts pumping src into both branches. The pump stops at the first
// read error from src; io.EOF ends both branches cleanly.
func NewTee(src io.Reader) *Tee {
	t := &Tee{
		client:     newBranch(),
		accounting: newBranch(),
	}
	go t.pump(src)
	return t
}

// Client is the branch forwarded to the caller's socket.
func (t *Tee) Client() io.ReadCloser { return t.client }

// Accounting is the branch drained into memory for usage parsing.
func (t *Tee) Accounting() io.ReadCloser { return t.accounting }

func (t *Tee) pump(src io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.client.push(chunk)
			t.accounting.push(chunk)
		}
		if err != nil {
			t.client.finish(err)
			t.accounting.finish(err)
			return
		}
	}
}

// branch is an unbounded FIFO of chunks with a blocking reader.
type branch struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	head   []byte
	err    error
	closed bool
}

func newBranch() *branch {
	b := &branch{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *branch) push(chunk []byte) {
	b.mu.Lock()
	if !b.closed {
		b.chunks = append(b.chunks, chunk)
	}
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *branch) finish(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *branch) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.head) == 0 && len(b.chunks) == 0 && b.err == nil && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if len(b.head) == 0 && len(b.chunks) > 0 {
		b.head, b.chunks = b.chunks[0], b.chunks[1:]
	}
	if len(b.head) > 0 {
		n := copy(p, b.head)
		b.head = b.head[n:]
		return n, nil
	}
	return 0, b.err
}

// Close abandons the branch. Later chunks for it are dropped; the other
// branch is unaffected.
func (b *branch) Close() error {
	b.mu.Lock()
	b.closed = true
	b.chunks, b.head = nil, nil
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}
