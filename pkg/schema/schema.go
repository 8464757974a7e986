// Package schema resolves topic keys to compiled protocol-buffer message
// descriptors via the fabric's schema queryables, caches them for the life
// of the process, and decodes raw topic payloads into structured values.
// Descriptors are treated as data compiled at runtime; there is no
// reflection-by-name scheme.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/bubbaloop/daemon/pkg/fabric"
	"github.com/bubbaloop/daemon/pkg/logging"
)

// Fetcher is the slice of the fabric session the registry needs;
// *fabric.Session satisfies it.
type Fetcher interface {
	Get(ctx context.Context, key string, payload []byte, opts ...fabric.GetOption) ([]fabric.Reply, error)
}

// SchemaKey maps a data topic onto the key its schema is served at. Topics
// carry the schema segment after the node part of the key
// (`bubbaloop/{scope}/{machine}/{node}/schema/{topic_id}`); shorter keys
// get it inserted before the final segment.
func SchemaKey(topic string) string {
	segments := strings.Split(topic, "/")
	if len(segments) >= 5 {
		return strings.Join(segments[:4], "/") + "/schema/" + strings.Join(segments[4:], "/")
	}
	if len(segments) < 2 {
		return topic + "/schema"
	}
	last := len(segments) - 1
	return strings.Join(segments[:last], "/") + "/schema/" + segments[last]
}

// entry is one topic's cached resolution state.
type entry struct {
	mu       sync.Mutex
	ready    bool
	desc     protoreflect.MessageDescriptor
	waiters  []chan struct{}
	resolveErr error
}

// Registry is the per-topic descriptor cache. Resolution is lazy: the
// first Resolve for a topic queries the fabric; later calls hit the cache.
type Registry struct {
	fetch Fetcher
	log   *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds a registry resolving schemas through fetch.
func NewRegistry(fetch Fetcher, log *logging.Logger) *Registry {
	return &Registry{fetch: fetch, log: log, entries: make(map[string]*entry)}
}

func (r *Registry) entryFor(topic string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[topic]
	if !ok {
		e = &entry{}
		r.entries[topic] = e
	}
	return e
}

// Resolve returns the message descriptor for topic, querying the fabric on
// first use. Concurrent resolves for the same topic share one query.
func (r *Registry) Resolve(ctx context.Context, topic string) (protoreflect.MessageDescriptor, error) {
	e := r.entryFor(topic)

	e.mu.Lock()
	if e.ready {
		desc, err := e.desc, e.resolveErr
		e.mu.Unlock()
		return desc, err
	}
	if len(e.waiters) > 0 {
		// A resolve is already in flight; wait for it.
		ch := make(chan struct{})
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		e.mu.Lock()
		desc, err := e.desc, e.resolveErr
		e.mu.Unlock()
		return desc, err
	}
	e.waiters = append(e.waiters, nil) // mark in flight
	e.mu.Unlock()

	desc, err := r.query(ctx, topic)

	e.mu.Lock()
	e.ready = true
	e.desc = desc
	e.resolveErr = err
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	for _, ch := range waiters {
		if ch != nil {
			close(ch)
		}
	}
	return desc, err
}

func (r *Registry) query(ctx context.Context, topic string) (protoreflect.MessageDescriptor, error) {
	key := SchemaKey(topic)
	replies, err := r.fetch.Get(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("schema: query %s: %w", key, err)
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("schema: no schema served at %s", key)
	}
	return Compile(replies[0].Payload)
}

// Compile parses a serialised FileDescriptorSet and returns its target
// message descriptor. The serving convention puts the target file last in
// the set, dependencies first; the target message is that file's first
// top-level message.
func Compile(fds []byte) (protoreflect.MessageDescriptor, error) {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(fds, &set); err != nil {
		return nil, fmt.Errorf("schema: parse descriptor set: %w", err)
	}
	if len(set.File) == 0 {
		return nil, fmt.Errorf("schema: empty descriptor set")
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, fmt.Errorf("schema: compile descriptor set: %w", err)
	}
	target := set.File[len(set.File)-1]
	fd, err := files.FindFileByPath(target.GetName())
	if err != nil {
		return nil, fmt.Errorf("schema: find target file: %w", err)
	}
	if fd.Messages().Len() == 0 {
		return nil, fmt.Errorf("schema: target file %s declares no messages", target.GetName())
	}
	return fd.Messages().Get(0), nil
}

// ForceRefresh drops the cached descriptor for topic so the next Resolve
// queries the fabric again.
func (r *Registry) ForceRefresh(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, topic)
}

// Ready reports whether topic's schema has been resolved (successfully or
// not) without triggering a query.
func (r *Registry) Ready(topic string) bool {
	r.mu.Lock()
	e, ok := r.entries[topic]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Decoded is a structured view of one topic payload. When the schema is
// unavailable, Resolved is false and only Raw is populated.
type Decoded struct {
	Topic    string         `json:"topic"`
	Resolved bool           `json:"resolved"`
	Fields   map[string]any `json:"fields,omitempty"`
	Raw      []byte         `json:"raw,omitempty"`
}

// Decode interprets payload against topic's cached descriptor. Callers
// must have resolved the schema first (see GatedReader); an unresolved
// topic yields a raw-bytes view rather than an error.
func (r *Registry) Decode(topic string, payload []byte) *Decoded {
	r.mu.Lock()
	e, ok := r.entries[topic]
	r.mu.Unlock()
	if !ok {
		return &Decoded{Topic: topic, Raw: payload}
	}
	e.mu.Lock()
	desc, ready, resolveErr := e.desc, e.ready, e.resolveErr
	e.mu.Unlock()
	if !ready || resolveErr != nil || desc == nil {
		return &Decoded{Topic: topic, Raw: payload}
	}

	msg := dynamicpb.NewMessage(desc)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return &Decoded{Topic: topic, Raw: payload}
	}
	data, err := protojson.Marshal(msg)
	if err != nil {
		return &Decoded{Topic: topic, Raw: payload}
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return &Decoded{Topic: topic, Raw: payload}
	}
	return &Decoded{Topic: topic, Resolved: true, Fields: fields}
}

// GatedReader gates a subscription's message callback on schema readiness:
// samples arriving during the schema-loading window are queued, then
// delivered in arrival order once the schema resolves, so nothing is
// dropped silently. After the flush, samples pass straight through.
type GatedReader struct {
	reg     *Registry
	topic   string
	handler func(*Decoded)

	mu      sync.Mutex
	ready   bool
	pending []fabric.Sample
}

// NewGatedReader starts resolving topic's schema in the background and
// returns a reader whose Handle can be used as the subscriber callback.
func NewGatedReader(ctx context.Context, reg *Registry, topic string, handler func(*Decoded)) *GatedReader {
	g := &GatedReader{reg: reg, topic: topic, handler: handler}
	go g.resolve(ctx)
	return g
}

func (g *GatedReader) resolve(ctx context.Context) {
	if _, err := g.reg.Resolve(ctx, g.topic); err != nil {
		g.reg.log.WarnCF(ctx, "schema unresolved, falling back to raw decode",
			"topic", g.topic, "error", err)
	}

	// Drain in batches with ready still false, so samples landing during
	// the flush stay ordered behind the queue instead of jumping it.
	g.mu.Lock()
	for len(g.pending) > 0 {
		pending := g.pending
		g.pending = nil
		g.mu.Unlock()
		for _, s := range pending {
			g.handler(g.reg.Decode(s.Key, s.Payload))
		}
		g.mu.Lock()
	}
	g.ready = true
	g.mu.Unlock()
}

// Handle is the subscriber callback: queue before schema-ready, decode and
// deliver after.
func (g *GatedReader) Handle(s fabric.Sample) {
	g.mu.Lock()
	if !g.ready {
		g.pending = append(g.pending, s)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.handler(g.reg.Decode(s.Key, s.Payload))
}
