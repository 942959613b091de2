package eventstream

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Config holds per-stream settings. Single Config instance can be
// safely shared between multiple streams.
type Config struct {
	// Policy selects the wire layout for multi-line values. The zero
	// value is LineReframing.
	Policy FramingPolicy

	// Encode is used by Send and SendData to turn payload values into
	// strings. Nil means StringEncode.
	Encode EncodeFn
}

// DefaultConfig is a recommended stream configuration.
var DefaultConfig = Config{Policy: LineReframing}

// Message groups the fields of one logical SSE message for
// Stream.SendMessage and Hub.Publish.
type Message struct {
	// Event is the event type, empty means the client default
	// "message" type.
	Event string

	// ID is the event ID used for Last-Event-ID resumption. Empty
	// means no id record is sent.
	ID string

	// Retry is a client reconnect hint in milliseconds, zero means no
	// retry record is sent.
	Retry int

	// Data is the message payload, resolved through the stream
	// encoder. A data record is always sent, even for nil Data.
	Data interface{}
}

var (
	// ErrInvalidRetry is returned by SendRetry when the argument does
	// not parse to an integer. Nothing is written in that case.
	ErrInvalidRetry = errors.New("eventstream: retry value is not an integer")

	// ErrClosed is returned by send methods after the stream was
	// closed, either explicitly or by peer disconnect.
	ErrClosed = errors.New("eventstream: stream is closed")

	// ErrInitialized is returned by Init when it was already called
	// on this stream.
	ErrInitialized = errors.New("eventstream: stream is already initialized")
)

// Stream is a per-connection SSE protocol encoder. One Stream is
// created for every accepted client connection, initialized exactly
// once with Init and used for an arbitrary number of sends until it is
// closed.
//
// Stream is not safe for concurrent sends. The only out-of-band
// mutation is the closed flag, which the bound sink may flip from its
// own goroutine when the peer disconnects.
type Stream struct {
	sink   Sink
	header http.Header
	cfg    Config
	encode EncodeFn

	initialized bool
	closed      atomic.Bool
	lastEventID string
}

// New binds a Stream to a sink. The requestHeader is the inbound HTTP
// request header, consulted for Last-Event-ID during Init; nil is
// allowed. A close observer is registered on the sink so that peer
// disconnects mark the stream closed.
func New(sink Sink, requestHeader http.Header, cfg Config) *Stream {
	s := &Stream{
		sink:   sink,
		header: requestHeader,
		cfg:    cfg,
		encode: cfg.Encode,
	}
	if s.encode == nil {
		s.encode = StringEncode
	}
	sink.OnClose(s.markClosed)
	return s
}

// Upgrade binds a Stream to an incoming net/http request and writes the
// SSE response preamble. Returns ErrFlusher if the response writer does
// not support streaming; in that case nothing was written and the
// caller should respond with an error status.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*Stream, error) {
	sink, err := NewResponseSink(w, r)
	if err != nil {
		return nil, err
	}
	s := New(sink, r.Header, cfg)
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// markClosed is the single writer of the closed flag. It is invoked by
// Close and by the sink close notification, possibly more than once.
func (s *Stream) markClosed() {
	s.closed.Store(true)
}

// Init captures the client resumption ID from the Last-Event-ID request
// header and begins the response with status 200 and the event-stream
// content type. It must be called before any send and returns
// ErrInitialized when called twice, without touching the sink again.
func (s *Stream) Init() error {
	if s.initialized {
		return ErrInitialized
	}
	s.initialized = true
	s.lastEventID = s.header.Get("Last-Event-ID")

	header := http.Header{}
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	return s.sink.WriteHeaders(http.StatusOK, header)
}

// IsOpen reports whether the stream is still writable. Once it returns
// false it never returns true again.
func (s *Stream) IsOpen() bool {
	return !s.closed.Load()
}

// LastEventID returns the ID of the last event delivered on this
// stream: the value captured from the Last-Event-ID request header at
// Init time, replaced by every successful SendID.
func (s *Stream) LastEventID() string {
	return s.lastEventID
}

// Close marks the stream closed and finalizes the response. It is safe
// to call more than once.
func (s *Stream) Close() error {
	s.markClosed()
	return s.sink.End()
}

// write frames one record and hands it to the sink. All send methods
// funnel through here; nothing is written if the encoder fails or the
// stream is closed.
func (s *Stream) write(field string, value interface{}, encode EncodeFn) error {
	if s.closed.Load() {
		return ErrClosed
	}
	text, err := encode(value)
	if err != nil {
		return err
	}
	return s.sink.WriteChunk(frame(s.cfg.Policy, field, text))
}

// Send frames a single field/value record using the stream encoder. An
// empty field name defaults to "data"; use SendComment for comment
// records.
func (s *Stream) Send(field string, value interface{}) error {
	return s.SendWith(field, value, nil)
}

// SendWith is Send with a per-call encoder override. A nil encoder
// falls back to the stream encoder.
func (s *Stream) SendWith(field string, value interface{}, encode EncodeFn) error {
	if field == fieldComment {
		field = fieldData
	}
	if encode == nil {
		encode = s.encode
	}
	return s.write(field, value, encode)
}

// SendComment writes a comment record (": text"). Clients ignore
// comments; they are used as keep-alive pings.
func (s *Stream) SendComment(text string) error {
	return s.write(fieldComment, text, StringEncode)
}

// SendEvent writes an event type record for the message being built.
func (s *Stream) SendEvent(name string) error {
	return s.write(fieldEvent, name, StringEncode)
}

// SendData writes the message payload, resolved through the stream
// encoder, and terminates the logical message.
//
// Under EmbeddedContinuation a newline is appended to the encoded
// payload before framing. This guarantees a continuation boundary on
// every data message and is kept for wire compatibility with the
// historical encoder; see FramingPolicy.
func (s *Stream) SendData(payload interface{}) error {
	if s.cfg.Policy == EmbeddedContinuation {
		text, err := s.encode(payload)
		if err != nil {
			return err
		}
		return s.write(fieldData, text+"\n", StringEncode)
	}
	return s.write(fieldData, payload, s.encode)
}

// SendID writes an id record and, on success, updates LastEventID.
// This is the only mutator of the last event ID.
func (s *Stream) SendID(id string) error {
	if err := s.write(fieldID, id, StringEncode); err != nil {
		return err
	}
	s.lastEventID = id
	return nil
}

// SendRetry writes a retry record advising the client how long to wait
// before reconnecting. The argument may be an integer, a string holding
// one or a time.Duration; anything that does not resolve to an integer
// millisecond count fails with ErrInvalidRetry before any write.
func (s *Stream) SendRetry(ms interface{}) error {
	n, err := retryMillis(ms)
	if err != nil {
		return err
	}
	return s.write(fieldRetry, strconv.Itoa(n), StringEncode)
}

func retryMillis(v interface{}) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case time.Duration:
		return int(v / time.Millisecond), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidRetry, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidRetry, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidRetry, v)
	}
}

// SendMessage writes all records of one logical message in protocol
// order: event, id, retry, then data. The data record is always written
// last so that it terminates and dispatches the message on the client.
func (s *Stream) SendMessage(msg *Message) error {
	if msg.Event != "" {
		if err := s.SendEvent(msg.Event); err != nil {
			return err
		}
	}
	if msg.ID != "" {
		if err := s.SendID(msg.ID); err != nil {
			return err
		}
	}
	if msg.Retry > 0 {
		if err := s.SendRetry(msg.Retry); err != nil {
			return err
		}
	}
	return s.SendData(msg.Data)
}

// KeepAlive writes a "Keep-Alive" comment ping. It carries no protocol
// meaning and only keeps idle connections from being reaped by
// intermediate proxies.
func (s *Stream) KeepAlive() error {
	return s.SendComment("Keep-Alive")
}
