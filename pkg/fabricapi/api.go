// Package fabricapi mirrors the daemon's control surface onto the fabric:
// periodic and change-driven NodeList publications, per-node state topics,
// the event stream, the command queryable, and schema discovery for all of
// them.
package fabricapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bubbaloop/daemon/pkg/bus"
	"github.com/bubbaloop/daemon/pkg/fabric"
	"github.com/bubbaloop/daemon/pkg/logging"
	"github.com/bubbaloop/daemon/pkg/metrics"
	"github.com/bubbaloop/daemon/pkg/node"
)

// Topic keys under the daemon prefix.
const (
	KeyNodes   = "bubbaloop/daemon/nodes"
	KeyEvents  = "bubbaloop/daemon/events"
	KeyCommand = "bubbaloop/daemon/command"
	KeySchema  = "bubbaloop/daemon/schema/**"
)

// StateKey is the per-node state topic.
func StateKey(name string) string {
	return KeyNodes + "/" + fabric.NormalizeSegment(name) + "/state"
}

// Service owns the daemon's fabric endpoints.
type Service struct {
	session *fabric.Session
	manager *node.Manager
	events  *bus.EventBus
	codec   *Codec
	metrics *metrics.Metrics
	log     *logging.Logger

	publishEvery time.Duration

	nodesPub  *fabric.Publisher
	eventsPub *fabric.Publisher

	mu        sync.Mutex
	statePubs map[string]*fabric.Publisher
}

// New declares the daemon's publishers and queryables on session.
func New(session *fabric.Session, manager *node.Manager, events *bus.EventBus, m *metrics.Metrics, log *logging.Logger) (*Service, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	s := &Service{
		session:      session,
		manager:      manager,
		events:       events,
		codec:        codec,
		metrics:      m,
		log:          log,
		publishEvery: 5 * time.Second,
		statePubs:    make(map[string]*fabric.Publisher),
	}

	if s.nodesPub, err = session.DeclarePublisher(KeyNodes); err != nil {
		return nil, err
	}
	if s.eventsPub, err = session.DeclarePublisher(KeyEvents); err != nil {
		return nil, err
	}
	if _, err = session.DeclareQueryable(KeyCommand, s.handleCommand); err != nil {
		return nil, err
	}
	if _, err = session.DeclareQueryable(KeySchema, s.handleSchema); err != nil {
		return nil, err
	}
	return s, nil
}

// Run drives the periodic full-list publication and the event drain until
// ctx is cancelled. The periodic full list goes out once per period; each
// event additionally publishes the event, the node's state and a fresh full
// list as it happens.
func (s *Service) Run(ctx context.Context) {
	sub, cancel := s.events.Subscribe(256)
	defer cancel()

	ticker := time.NewTicker(s.publishEvery)
	defer ticker.Stop()

	s.publishNodeList(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishNodeList(ctx)
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.publishEvent(ctx, ev)
		}
	}
}

func (s *Service) publishNodeList(ctx context.Context) {
	data, err := s.codec.EncodeNodeList(s.manager.List())
	if err != nil {
		s.log.ErrorCF(ctx, "encode node list", "error", err)
		return
	}
	_ = s.nodesPub.Put(data)
}

func (s *Service) publishEvent(ctx context.Context, ev node.Event) {
	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	if data, err := s.codec.EncodeEvent(ev); err == nil {
		_ = s.eventsPub.Put(data)
	} else {
		s.log.ErrorCF(ctx, "encode event", "error", err, "kind", ev.Kind)
	}

	// Per-node state update plus a fresh full list on any change.
	if st, ok := s.manager.Get(ev.NodeName); ok {
		if pub, ok := s.statePublisher(ev.NodeName); ok {
			if data, err := s.codec.EncodeNodeState(st); err == nil {
				_ = pub.Put(data)
			}
		}
	}
	s.publishNodeList(ctx)
}

func (s *Service) statePublisher(name string) (*fabric.Publisher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pub, ok := s.statePubs[name]; ok {
		return pub, true
	}
	pub, err := s.session.DeclarePublisher(StateKey(name))
	if err != nil {
		// Leave undeclared; the next event retries.
		return nil, false
	}
	s.statePubs[name] = pub
	return pub, true
}

// handleCommand answers the command queryable: decode, execute, reply with
// exactly one CommandResult. Execution failures become unsuccessful
// results rather than transport errors, so callers always get the typed
// shape.
func (s *Service) handleCommand(q fabric.Query) ([]byte, error) {
	cmd, err := s.codec.DecodeCommand(q.Payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := s.manager.Execute(ctx, cmd)
	if err != nil {
		result = &node.Result{RequestID: cmd.RequestID, Success: false, Message: err.Error()}
	}
	return s.codec.EncodeResult(result)
}

// handleSchema serves the descriptor set for one of the daemon's topics.
// The requested key names the topic whose schema is wanted, e.g.
// `bubbaloop/daemon/schema/nodes` or `.../schema/nodes/{name}/state`.
func (s *Service) handleSchema(q fabric.Query) ([]byte, error) {
	topicID := strings.TrimPrefix(q.Key, "bubbaloop/daemon/schema/")
	var message string
	switch {
	case topicID == "nodes":
		message = "NodeList"
	case topicID == "events":
		message = "NodeEvent"
	case topicID == "command":
		message = "CommandResult"
	case strings.HasPrefix(topicID, "nodes/") && strings.HasSuffix(topicID, "/state"):
		message = "NodeState"
	default:
		return nil, fmt.Errorf("fabricapi: no schema served for %q", topicID)
	}
	data, ok := s.codec.DescriptorSet(message)
	if !ok {
		return nil, fmt.Errorf("fabricapi: no descriptor set for %s", message)
	}
	return data, nil
}
