package lifecycle

import (
	"io"
	"sync/atomic"
)

// meter wraps an io.Reader and sums the bytes that pass through it. It is the tee design note §9
// calls for: rather than cloning the body into a second buffered stream, the single consumer that
// already exists (the upstream http.Client reading the request body, or the client connection
// reading the response body) does double duty as the length counter. Nothing is buffered beyond
// whatever the real consumer already buffers.
type meter struct {
	r io.Reader
	n int64
}

func newMeter(r io.Reader) *meter {
	return &meter{r: r}
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		atomic.AddInt64(&m.n, int64(n))
	}
	return n, err
}

// Close forwards to the wrapped reader's Close, if it has one. http.Request.Body and
// http.Response.Body are always io.ReadCloser.
func (m *meter) Close() error {
	if c, ok := m.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Len returns the number of bytes read so far. Safe to call concurrently with Read.
func (m *meter) Len() int64 {
	return atomic.LoadInt64(&m.n)
}
