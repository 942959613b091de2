package eventstream

import (
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrFlusher is returned by Upgrade and NewResponseSink when the
// response writer does not support streaming.
var ErrFlusher = errors.New("eventstream: http.ResponseWriter does not implement http.Flusher interface")

// Sink is the write side of one client connection. The core consumes
// this interface only; NewResponseSink provides the net/http backed
// implementation and tests supply in-memory ones.
type Sink interface {
	// WriteHeaders begins the response. It is called at most once,
	// before any WriteChunk call.
	WriteHeaders(status int, header http.Header) error

	// WriteChunk appends raw bytes to the open response body.
	WriteChunk(chunk string) error

	// End finalizes the response body. Calling End more than once
	// must not fail.
	End() error

	// OnClose registers fn to run when the peer or the transport
	// terminates the connection. fn must tolerate being invoked more
	// than once.
	OnClose(fn func())
}

type responseSink struct {
	w    http.ResponseWriter
	f    http.Flusher
	done <-chan struct{}

	mu    sync.Mutex
	ended bool
}

// NewResponseSink wraps a http.ResponseWriter as a Sink. The request is
// used only for its context, whose cancellation signals peer disconnect
// and end of stream. Returns ErrFlusher if w cannot stream.
func NewResponseSink(w http.ResponseWriter, r *http.Request) (Sink, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlusher
	}
	return &responseSink{w: w, f: f, done: r.Context().Done()}, nil
}

func (s *responseSink) WriteHeaders(status int, header http.Header) error {
	for name, values := range header {
		for _, value := range values {
			s.w.Header().Add(name, value)
		}
	}
	s.w.WriteHeader(status)
	s.f.Flush()
	return nil
}

func (s *responseSink) WriteChunk(chunk string) error {
	if _, err := io.WriteString(s.w, chunk); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// End flushes any buffered output. With net/http the body itself is
// finalized when the handler returns.
func (s *responseSink) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	s.f.Flush()
	return nil
}

func (s *responseSink) OnClose(fn func()) {
	go func() {
		<-s.done
		fn()
	}()
}
