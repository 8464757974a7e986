// Package fabric is the adapter to the pub/sub/query router: one session
// per process, typed publisher/subscriber/queryable handles over key
// expressions, and request/reply queries with per-call timeouts.
package fabric

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/bubbaloop/daemon/pkg/logging"
)

const (
	// DefaultQueryTimeout bounds a Get call unless the caller overrides it.
	DefaultQueryTimeout = 5 * time.Second

	// closeGrace is how long Close waits for the read loop to exit after
	// dropping the connection.
	closeGrace = 2 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

var (
	ErrClosed       = errors.New("fabric: session closed")
	ErrDisconnected = errors.New("fabric: router disconnected")
	ErrCancelled    = errors.New("fabric: query cancelled")
	ErrTimeout      = errors.New("fabric: query timed out")
)

// wireMessage is the router protocol envelope. Payloads are raw bytes;
// framing above this layer is the sender's concern.
type wireMessage struct {
	Type     string    `json:"type"` // pub, sub, unsub, queryable, unqueryable, query, reply, done, err
	ID       string    `json:"id,omitempty"`
	Key      string    `json:"key,omitempty"`
	Payload  []byte    `json:"payload,omitempty"`
	Error    string    `json:"error,omitempty"`
	Reliable bool      `json:"reliable,omitempty"`
	TS       time.Time `json:"ts"`
}

// Sample is one value received on a subscription.
type Sample struct {
	Key     string
	Payload []byte
}

// Query is one request received by a queryable.
type Query struct {
	ID      string
	Key     string
	Payload []byte
}

// Reply is one answer received by a Get call.
type Reply struct {
	Key     string
	Payload []byte
}

// ------------------------------------------------------------------
// Session
// ------------------------------------------------------------------

// Session is a single connection to the local router. It reconnects with
// exponential backoff on loss, re-declaring every subscriber and queryable;
// while disconnected, data-plane puts fail soft (one dropped put each) and
// queries fail with ErrDisconnected.
type Session struct {
	endpoint string
	log      *logging.Logger
	tlsConf  *tls.Config

	mu      sync.RWMutex
	conn    *websocket.Conn
	subs    map[string]*Subscriber
	queries map[string]*Queryable
	pending map[string]chan wireMessage

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	onReconnect func()
}

// OnReconnect registers a hook invoked after every successful
// re-establishment of the router connection. Set before heavy use; the
// hook runs on the read loop's goroutine.
func (s *Session) OnReconnect(hook func()) {
	s.mu.Lock()
	s.onReconnect = hook
	s.mu.Unlock()
}

// SessionOption configures a session at open time.
type SessionOption func(*Session)

// WithTLS dials the router over TLS with the given config (client
// certificates included when the config carries them). The default,
// loopback routers, need none.
func WithTLS(conf *tls.Config) SessionOption {
	return func(s *Session) { s.tlsConf = conf }
}

// Open dials the router at endpoint (e.g. `tcp/127.0.0.1:7447`) and starts
// the session's read loop. The initial dial must succeed; later losses are
// handled by the reconnect loop.
func Open(ctx context.Context, endpoint string, log *logging.Logger, opts ...SessionOption) (*Session, error) {
	s := &Session{
		endpoint: endpoint,
		log:      log,
		subs:     make(map[string]*Subscriber),
		queries:  make(map[string]*Queryable),
		pending:  make(map[string]chan wireMessage),
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("fabric: connect %s: %w", endpoint, err)
	}
	s.conn = conn
	go s.readLoop()
	return s, nil
}

// endpointURL maps a `tcp/host:port` locator onto the router's websocket
// listener. Full ws:// and wss:// URLs pass through unchanged.
func endpointURL(endpoint string, useTLS bool) string {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint
	}
	addr := endpoint
	if i := strings.Index(endpoint, "/"); i >= 0 {
		addr = endpoint[i+1:]
	}
	scheme := "ws://"
	if useTLS {
		scheme = "wss://"
	}
	return scheme + addr + "/fabric"
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	var dialOpts *websocket.DialOptions
	if s.tlsConf != nil {
		dialOpts = &websocket.DialOptions{
			HTTPClient: &http.Client{
				Transport: &http.Transport{TLSClientConfig: s.tlsConf},
			},
		}
	}
	conn, _, err := websocket.Dial(ctx, endpointURL(s.endpoint, s.tlsConf != nil), dialOpts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(16 * 1024 * 1024)
	return conn, nil
}

// Close shuts the session down cleanly: cancels in-flight queries, closes
// the connection, then waits up to a short grace period for the read loop
// to exit.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	select {
	case <-s.done:
	case <-time.After(closeGrace):
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) currentConn() *websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) write(msg wireMessage) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	msg.TS = time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// ------------------------------------------------------------------
// Read loop and reconnect
// ------------------------------------------------------------------

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}

		var msg wireMessage
		err := wsjson.Read(s.ctx, conn, &msg)
		if err != nil {
			if s.isClosed() || s.ctx.Err() != nil {
				return
			}
			s.log.WarnCF(s.ctx, "router connection lost", "error", err)
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			s.failPending()
			if !s.reconnect() {
				return
			}
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg wireMessage) {
	switch msg.Type {
	case "pub":
		s.mu.RLock()
		for _, sub := range s.subs {
			if Matches(sub.expr, msg.Key) {
				sub.deliver(Sample{Key: msg.Key, Payload: msg.Payload})
			}
		}
		s.mu.RUnlock()
	case "query":
		s.mu.RLock()
		var target *Queryable
		for _, q := range s.queries {
			if Matches(q.expr, msg.Key) {
				target = q
				break
			}
		}
		s.mu.RUnlock()
		if target == nil {
			_ = s.write(wireMessage{Type: "err", ID: msg.ID, Key: msg.Key, Error: "no queryable for key"})
			return
		}
		go s.answer(target, Query{ID: msg.ID, Key: msg.Key, Payload: msg.Payload})
	case "reply", "done", "err":
		s.mu.RLock()
		ch, ok := s.pending[msg.ID]
		s.mu.RUnlock()
		if ok {
			select {
			case ch <- msg:
			case <-s.ctx.Done():
			}
		}
	}
}

func (s *Session) answer(q *Queryable, query Query) {
	payload, err := q.handler(query)
	if err != nil {
		_ = s.write(wireMessage{Type: "err", ID: query.ID, Key: query.Key, Error: err.Error()})
		return
	}
	_ = s.write(wireMessage{Type: "reply", ID: query.ID, Key: query.Key, Payload: payload})
	_ = s.write(wireMessage{Type: "done", ID: query.ID, Key: query.Key})
}

// reconnect dials with exponential backoff until it succeeds or the session
// closes, then re-declares every subscriber and queryable. Returns false if
// the session closed while waiting.
func (s *Session) reconnect() bool {
	delay := reconnectMin
	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := s.dial(s.ctx)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			subs := make([]*Subscriber, 0, len(s.subs))
			for _, sub := range s.subs {
				subs = append(subs, sub)
			}
			queries := make([]*Queryable, 0, len(s.queries))
			for _, q := range s.queries {
				queries = append(queries, q)
			}
			s.mu.Unlock()

			for _, sub := range subs {
				_ = s.write(wireMessage{Type: "sub", ID: sub.id, Key: sub.expr})
			}
			for _, q := range queries {
				_ = s.write(wireMessage{Type: "queryable", ID: q.id, Key: q.expr})
			}
			s.log.InfoCF(s.ctx, "router reconnected", "endpoint", s.endpoint)
			s.mu.RLock()
			hook := s.onReconnect
			s.mu.RUnlock()
			if hook != nil {
				hook()
			}
			return true
		}

		s.log.WarnCF(s.ctx, "router reconnect failed", "error", err, "retry_in", delay)
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// failPending unblocks every in-flight Get with a disconnect error.
func (s *Session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		select {
		case ch <- wireMessage{Type: "err", ID: id, Error: ErrDisconnected.Error()}:
		default:
		}
	}
}

// ------------------------------------------------------------------
// Publisher
// ------------------------------------------------------------------

// Publisher is a declared writer for one concrete key.
type Publisher struct {
	s        *Session
	key      string
	reliable bool
}

// PublisherOption configures a publisher at declaration time.
type PublisherOption func(*Publisher)

// Reliable marks the publisher's key as a command topic: puts surface
// transport errors instead of failing soft.
func Reliable() PublisherOption {
	return func(p *Publisher) { p.reliable = true }
}

// DeclarePublisher returns a handle that writes raw bytes to key. Data
// topics are best-effort: a put while disconnected is dropped with a log
// line rather than an error.
func (s *Session) DeclarePublisher(key string, opts ...PublisherOption) (*Publisher, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if HasWildcard(key) {
		return nil, fmt.Errorf("fabric: publisher key %q contains wildcards", key)
	}
	p := &Publisher{s: s, key: key}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Put writes one value. Best-effort for data topics; reliable publishers
// return the transport error instead.
func (p *Publisher) Put(payload []byte) error {
	err := p.s.write(wireMessage{Type: "pub", Key: p.key, Payload: payload, Reliable: p.reliable})
	if err == nil {
		return nil
	}
	if p.reliable {
		return fmt.Errorf("fabric: put %s: %w", p.key, err)
	}
	p.s.log.DebugCF(p.s.ctx, "dropped put on congested topic", "key", p.key)
	return nil
}

// ------------------------------------------------------------------
// Subscriber
// ------------------------------------------------------------------

// Subscriber is a declared reader for a key expression. Samples for one
// subscriber are delivered in arrival order on a dedicated goroutine.
type Subscriber struct {
	s       *Session
	id      string
	expr    string
	handler func(Sample)
	queue   chan Sample
	stop    chan struct{}
}

// DeclareSubscriber registers handler for every sample whose key matches
// expr (which may contain `*`/`**` wildcards).
func (s *Session) DeclareSubscriber(expr string, handler func(Sample)) (*Subscriber, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	sub := &Subscriber{
		s:       s,
		id:      uuid.NewString(),
		expr:    expr,
		handler: handler,
		queue:   make(chan Sample, 256),
		stop:    make(chan struct{}),
	}
	go sub.run()

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	if err := s.write(wireMessage{Type: "sub", ID: sub.id, Key: expr}); err != nil {
		sub.undeclareLocal()
		return nil, fmt.Errorf("fabric: subscribe %s: %w", expr, err)
	}
	return sub, nil
}

func (sub *Subscriber) run() {
	for {
		select {
		case sample := <-sub.queue:
			sub.handler(sample)
		case <-sub.stop:
			return
		}
	}
}

func (sub *Subscriber) deliver(sample Sample) {
	select {
	case sub.queue <- sample:
	default:
		sub.s.log.WarnCF(sub.s.ctx, "subscriber queue full, dropping sample", "key", sample.Key)
	}
}

func (sub *Subscriber) undeclareLocal() {
	sub.s.mu.Lock()
	delete(sub.s.subs, sub.id)
	sub.s.mu.Unlock()
	close(sub.stop)
}

// Undeclare removes the subscription from the router and stops delivery.
func (sub *Subscriber) Undeclare() error {
	sub.undeclareLocal()
	return sub.s.write(wireMessage{Type: "unsub", ID: sub.id, Key: sub.expr})
}

// ------------------------------------------------------------------
// Queryable
// ------------------------------------------------------------------

// QueryHandler answers one query with a payload or an error.
type QueryHandler func(Query) ([]byte, error)

// Queryable is a declared request/reply endpoint for a key expression.
//
// Queryables are never declared "complete": a complete queryable promises
// the router it alone answers the whole pattern, which suppresses wildcard
// resolution across endpoints sharing it. The option below exists so
// callers porting code can state intent, but it is always overridden.
type Queryable struct {
	s       *Session
	id      string
	expr    string
	handler QueryHandler
}

// QueryableOption configures a queryable at declaration time.
type QueryableOption func(*queryableConfig)

type queryableConfig struct {
	complete bool
}

// Complete requests completeness. The adapter overrides it to false.
func Complete(v bool) QueryableOption {
	return func(c *queryableConfig) { c.complete = v }
}

// DeclareQueryable registers handler for queries matching expr.
func (s *Session) DeclareQueryable(expr string, handler QueryHandler, opts ...QueryableOption) (*Queryable, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var cfg queryableConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.complete {
		s.log.WarnCF(s.ctx, "queryable completeness requested, overriding to false", "expr", expr)
	}

	q := &Queryable{s: s, id: uuid.NewString(), expr: expr, handler: handler}

	s.mu.Lock()
	s.queries[q.id] = q
	s.mu.Unlock()

	if err := s.write(wireMessage{Type: "queryable", ID: q.id, Key: expr}); err != nil {
		s.mu.Lock()
		delete(s.queries, q.id)
		s.mu.Unlock()
		return nil, fmt.Errorf("fabric: declare queryable %s: %w", expr, err)
	}
	return q, nil
}

// Undeclare removes the queryable from the router.
func (q *Queryable) Undeclare() error {
	q.s.mu.Lock()
	delete(q.s.queries, q.id)
	q.s.mu.Unlock()
	return q.s.write(wireMessage{Type: "unqueryable", ID: q.id, Key: q.expr})
}

// ------------------------------------------------------------------
// Get
// ------------------------------------------------------------------

// GetOption configures a single Get call.
type GetOption func(*getConfig)

type getConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the default per-call query timeout.
func WithTimeout(d time.Duration) GetOption {
	return func(c *getConfig) { c.timeout = d }
}

// Get issues a query for key and collects replies until the responder
// signals completion or the timeout elapses. A cancelled context returns
// ErrCancelled.
func (s *Session) Get(ctx context.Context, key string, payload []byte, opts ...GetOption) ([]Reply, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	cfg := getConfig{timeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	ch := make(chan wireMessage, 16)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(wireMessage{Type: "query", ID: id, Key: key, Payload: payload, Reliable: true}); err != nil {
		return nil, fmt.Errorf("fabric: query %s: %w", key, err)
	}

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	var replies []Reply
	for {
		select {
		case <-ctx.Done():
			return replies, ErrCancelled
		case <-s.ctx.Done():
			return replies, ErrClosed
		case <-timer.C:
			if len(replies) > 0 {
				return replies, nil
			}
			return nil, ErrTimeout
		case msg := <-ch:
			switch msg.Type {
			case "reply":
				replies = append(replies, Reply{Key: msg.Key, Payload: msg.Payload})
			case "done":
				return replies, nil
			case "err":
				if msg.Error == ErrDisconnected.Error() {
					return replies, ErrDisconnected
				}
				return replies, fmt.Errorf("fabric: query %s: %s", key, msg.Error)
			}
		}
	}
}
