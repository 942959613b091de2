package eventstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writerNotFlusher struct{}

func (w writerNotFlusher) Header() http.Header       { return make(http.Header) }
func (w writerNotFlusher) Write([]byte) (int, error) { return 0, errors.New("not implemented") }
func (w writerNotFlusher) WriteHeader(int)           {}

func TestUpgradeWithoutFlusher(t *testing.T) {
	r := httptest.NewRequest("GET", "/events", nil)

	_, err := Upgrade(writerNotFlusher{}, r, DefaultConfig)
	assert.ErrorIs(t, err, ErrFlusher)
}

func TestUpgrade(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/events", nil)
	r.Header.Set("Last-Event-ID", "15")

	stream, err := Upgrade(w, r, DefaultConfig)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "15", stream.LastEventID())

	require.NoError(t, stream.SendData("hello"))
	assert.Equal(t, "data: hello\n\n", w.Body.String())
}

func TestResponseSinkPeerClose(t *testing.T) {
	w := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)

	stream, err := Upgrade(w, r, DefaultConfig)
	require.NoError(t, err)
	assert.True(t, stream.IsOpen())

	cancel()
	assert.Eventually(t, func() bool {
		return !stream.IsOpen()
	}, time.Second, 5*time.Millisecond, "peer close should mark the stream closed")
}

func TestResponseSinkEndTwice(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/events", nil)

	sink, err := NewResponseSink(w, r)
	require.NoError(t, err)
	require.NoError(t, sink.End())
	require.NoError(t, sink.End())
}
