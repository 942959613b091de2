package eventstream

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// HubConfig holds broadcast hub configuration. Single HubConfig
// instance can be safely used for multiple hubs.
type HubConfig struct {
	// Reconnect is a reconnect delay hint sent to clients at the start
	// of every subscription. Zero disables the hint and clients use
	// their default.
	Reconnect time.Duration

	// KeepAlive sets how often an idle subscription receives a dummy
	// comment ping. Zero disables pings. Keep this below 60 seconds if
	// nginx proxies the stream, its default read timeout drops
	// connections that stay silent longer.
	KeepAlive time.Duration

	// Lifetime is the maximum time a subscription stays open before a
	// forced reconnect. Zero allows connections to stay open
	// indefinitely.
	Lifetime time.Duration

	// QueueLength is the per-subscriber message buffer. Subscribers
	// that fall this many messages behind are disconnected and left to
	// resync on reconnect.
	QueueLength int

	// ReplayExpiration sets how long published messages stay available
	// for client resync. Zero keeps them forever.
	ReplayExpiration time.Duration

	// ReplayLimit caps how many messages are replayed to a resyncing
	// client in one subscription. A client further behind receives the
	// first ReplayLimit messages and is disconnected to come back for
	// more. Zero means no cap.
	ReplayLimit int

	// Policy and Encode configure the per-connection streams, see
	// Config.
	Policy FramingPolicy
	Encode EncodeFn

	// Logger receives connection lifecycle logs. Nil discards them;
	// the protocol encoder itself never logs.
	Logger logrus.FieldLogger
}

// DefaultHubConfig is a recommended hub configuration.
var DefaultHubConfig = HubConfig{
	Reconnect:        500 * time.Millisecond,
	KeepAlive:        30 * time.Second,
	Lifetime:         5 * time.Minute,
	QueueLength:      32,
	ReplayExpiration: time.Minute,
	ReplayLimit:      256,
}

// ErrReplayMiss is returned from Hub.Serve if resyncing the client is
// not possible because its last seen message is no longer in the replay
// cache. This usually means the client was disconnected for longer than
// ReplayExpiration.
//
// The error is returned before anything is written to the response.
// The caller is responsible for generating a response; 204 No Content
// is recommended to stop the client from reconnecting until it resyncs
// its state manually.
var ErrReplayMiss = errors.New("eventstream: missing messages in replay cache")

type hubOp int

const (
	hubSubscribe hubOp = iota
	hubUnsubscribe
	hubPublish
)

// hubCmd is the control message type of the hub goroutine.
type hubCmd struct {
	op       hubOp
	sub      chan *Message
	response chan<- string // used by subscribe to report the last ID
	msg      *Message      // used by publish
}

// Hub broadcasts one sequence of messages to many connected clients.
// Each subscription gets its own Stream; clients reconnecting with a
// Last-Event-ID header are resynced from a replay cache before
// receiving live messages.
type Hub struct {
	cmd    chan hubCmd
	cfg    HubConfig
	stop   chan struct{}
	replay *gocache.Cache
	log    logrus.FieldLogger

	wg sync.WaitGroup
}

// NewHub creates a started hub. lastID is the ID of the last message
// published before the application started, if any; it seeds the value
// reported to resyncing subscribers until the first Publish.
func NewHub(lastID string, cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	h := &Hub{
		cmd:    make(chan hubCmd),
		cfg:    cfg,
		stop:   make(chan struct{}),
		replay: gocache.New(cfg.ReplayExpiration, cfg.ReplayExpiration),
		log:    log,
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(lastID)
	}()
	return h
}

// run handles message broadcasting and manages the subscription list.
// Each hub has this code running in a separate goroutine until the
// command channel is closed by Stop.
func (h *Hub) run(lastID string) {
	subs := make(map[chan *Message]struct{})

	for cmd := range h.cmd {
		switch cmd.op {
		case hubSubscribe:
			subs[cmd.sub] = struct{}{}

			// report the current last message ID to the subscriber
			cmd.response <- lastID
			close(cmd.response)
		case hubUnsubscribe:
			if _, ok := subs[cmd.sub]; ok {
				close(cmd.sub)
				delete(subs, cmd.sub)
			}
		case hubPublish:
			if cmd.msg.ID != "" {
				// The replay cache maps each message ID to its
				// successor, resync walks this chain from the
				// client's last seen ID.
				h.replay.SetDefault(lastID, cmd.msg)
				lastID = cmd.msg.ID
			}
			for sub := range subs {
				select {
				case sub <- cmd.msg:
				default:
					// Subscriber is too slow, close its stream
					// and let the client resync on reconnect.
					close(sub)
					delete(subs, sub)
				}
			}
		}
	}

	for sub := range subs {
		close(sub)
	}
}

// Publish broadcasts the message to all connected subscribers. Messages
// carrying an ID are retained for client resync; messages without one
// are delivered to current subscribers only.
//
// Publish on a stopped hub will panic.
func (h *Hub) Publish(msg *Message) {
	h.cmd <- hubCmd{op: hubPublish, msg: msg}
}

func (h *Hub) subscribe(sub chan *Message) string {
	response := make(chan string, 1)
	h.cmd <- hubCmd{op: hubSubscribe, sub: sub, response: response}
	return <-response
}

func (h *Hub) unsubscribe(sub chan *Message) {
	h.cmd <- hubCmd{op: hubUnsubscribe, sub: sub}
}

// backlog collects messages a client missed between its last seen ID
// and the hub's current last ID. The bool result reports whether the
// client is fully caught up after the returned messages; it is false
// when ReplayLimit cut the walk short.
func (h *Hub) backlog(fromID, toID string) ([]*Message, bool, error) {
	if fromID == "" || fromID == toID {
		return nil, true, nil
	}
	var msgs []*Message
	for cursor := fromID; cursor != toID; {
		v, ok := h.replay.Get(cursor)
		if !ok {
			return nil, false, ErrReplayMiss
		}
		msg := v.(*Message)
		msgs = append(msgs, msg)
		cursor = msg.ID
		if h.cfg.ReplayLimit > 0 && len(msgs) >= h.cfg.ReplayLimit && cursor != toID {
			return msgs, false, nil
		}
	}
	return msgs, true, nil
}

// ServeHTTP implements http.Handler. Replay misses are answered with
// 204 No Content, other errors with 500. Use Serve directly for custom
// error responses.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch err := h.Serve(w, r); {
	case err == nil:
	case errors.Is(err, ErrReplayMiss):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrFlusher):
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
	default:
		h.log.WithError(err).Warn("subscription ended with error")
	}
}

// Serve subscribes the request to the hub's message stream and blocks
// until the client disconnects, the subscription expires or the hub
// shuts down. Returns ErrReplayMiss before writing anything if the
// client requested a resync from a message no longer cached.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) error {
	sub := make(chan *Message, h.cfg.QueueLength)
	lastServerID := h.subscribe(sub)
	defer h.unsubscribe(sub)

	backlog, caughtUp, err := h.backlog(r.Header.Get("Last-Event-ID"), lastServerID)
	if err != nil {
		return err
	}

	stream, err := Upgrade(w, r, Config{Policy: h.cfg.Policy, Encode: h.cfg.Encode})
	if err != nil {
		return err
	}

	log := h.log.WithFields(logrus.Fields{
		"conn":   uuid.NewString(),
		"remote": r.RemoteAddr,
	})
	log.Debug("subscriber connected")
	defer log.Debug("subscriber disconnected")

	if h.cfg.Reconnect != 0 {
		if err := stream.SendRetry(h.cfg.Reconnect); err != nil {
			return err
		}
	}

	for _, msg := range backlog {
		if err := stream.SendMessage(msg); err != nil {
			return err
		}
	}
	if !caughtUp {
		// Partial resync, disconnect and let the client come back
		// with a newer Last-Event-ID for the rest.
		log.Debug("partial resync, dropping subscriber")
		return stream.Close()
	}

	var timeout <-chan time.Time
	if h.cfg.Lifetime > 0 {
		timeout = time.After(h.cfg.Lifetime)
	}

	var keepalive <-chan time.Time
	if h.cfg.KeepAlive > 0 {
		ticker := time.NewTicker(h.cfg.KeepAlive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-timeout:
			// Subscription lifetime ended, client should reconnect
			return stream.Close()
		case <-h.stop:
			return stream.Close()
		case <-r.Context().Done():
			// Client closed the connection
			return nil
		case <-keepalive:
			if err := stream.KeepAlive(); err != nil {
				return err
			}
		case msg, ok := <-sub:
			if !ok {
				// Dropped as a slow subscriber
				return stream.Close()
			}
			if err := stream.SendMessage(msg); err != nil {
				return err
			}
		}
	}
}

// DropSubscribers disconnects all currently subscribed clients and
// makes new subscriptions return immediately. Useful for graceful
// shutdown once the server stopped accepting connections. Calling it
// twice will panic.
func (h *Hub) DropSubscribers() {
	close(h.stop)
}

// Stop shuts the hub down: disconnects all subscribers and stops the
// broadcasting goroutine. The hub must not be used after Stop.
func (h *Hub) Stop() {
	close(h.cmd)
	h.wg.Wait()
}
