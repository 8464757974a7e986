package schema

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/bubbaloop/daemon/pkg/fabric"
	"github.com/bubbaloop/daemon/pkg/logging"
)

// telemetrySet builds a one-file descriptor set declaring
// `bubbaloop.Telemetry { string node = 1; int64 value = 2; }`.
func telemetrySet(t *testing.T) []byte {
	t.Helper()
	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("bubbaloop/telemetry.proto"),
		Package: proto.String("bubbaloop"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("Telemetry"),
			Field: []*descriptorpb.FieldDescriptorProto{
				{
					Name:   proto.String("node"),
					Number: proto.Int32(1),
					Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
					Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				},
				{
					Name:   proto.String("value"),
					Number: proto.Int32(2),
					Type:   descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(),
					Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				},
			},
		}},
	}
	data, err := proto.Marshal(&descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{file}})
	if err != nil {
		t.Fatalf("marshal descriptor set: %v", err)
	}
	return data
}

func telemetryPayload(t *testing.T, fds []byte, node string, value int64) []byte {
	t.Helper()
	desc, err := Compile(fds)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	msg := dynamicpb.NewMessage(desc)
	msg.Set(desc.Fields().ByName("node"), protoreflect.ValueOfString(node))
	msg.Set(desc.Fields().ByName("value"), protoreflect.ValueOfInt64(value))
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

// fakeFetcher serves descriptor sets for schema keys, optionally after a
// delay to widen the schema-loading window.
type fakeFetcher struct {
	mu      sync.Mutex
	schemas map[string][]byte
	delay   time.Duration
	calls   int
}

func (f *fakeFetcher) Get(ctx context.Context, key string, _ []byte, _ ...fabric.GetOption) ([]fabric.Reply, error) {
	f.mu.Lock()
	f.calls++
	data, ok := f.schemas[key]
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fabric.ErrTimeout
	}
	return []fabric.Reply{{Key: key, Payload: data}}, nil
}

func TestSchemaKey(t *testing.T) {
	cases := []struct{ topic, want string }{
		{"bubbaloop/local/m/camera/entrance/compressed", "bubbaloop/local/m/camera/schema/entrance/compressed"},
		{"bubbaloop/local/m/camera/frame", "bubbaloop/local/m/camera/schema/frame"},
		{"bubbaloop/daemon/nodes", "bubbaloop/daemon/schema/nodes"},
		{"bubbaloop/daemon/events", "bubbaloop/daemon/schema/events"},
	}
	for _, tc := range cases {
		if got := SchemaKey(tc.topic); got != tc.want {
			t.Errorf("SchemaKey(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}

func TestResolveAndDecode(t *testing.T) {
	fds := telemetrySet(t)
	topic := "bubbaloop/local/m/probe/temperature"
	fetch := &fakeFetcher{schemas: map[string][]byte{SchemaKey(topic): fds}}
	reg := NewRegistry(fetch, logging.New("text", "error").With("schema"))

	if _, err := reg.Resolve(context.Background(), topic); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reg.Ready(topic) {
		t.Fatal("topic should be ready after Resolve")
	}

	payload := telemetryPayload(t, fds, "probe", 42)
	dec := reg.Decode(topic, payload)
	if !dec.Resolved {
		t.Fatal("decode should be schema-resolved")
	}
	if dec.Fields["node"] != "probe" {
		t.Errorf("node = %v", dec.Fields["node"])
	}
	// protojson renders int64 as a string.
	if dec.Fields["value"] != "42" {
		t.Errorf("value = %v", dec.Fields["value"])
	}
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	fds := telemetrySet(t)
	topic := "bubbaloop/local/m/probe/temperature"
	fetch := &fakeFetcher{schemas: map[string][]byte{SchemaKey(topic): fds}}
	reg := NewRegistry(fetch, logging.New("text", "error").With("schema"))

	for i := 0; i < 3; i++ {
		if _, err := reg.Resolve(context.Background(), topic); err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
	}
	if fetch.calls != 1 {
		t.Fatalf("fetch called %d times, want 1", fetch.calls)
	}

	reg.ForceRefresh(topic)
	if _, err := reg.Resolve(context.Background(), topic); err != nil {
		t.Fatalf("Resolve after refresh: %v", err)
	}
	if fetch.calls != 2 {
		t.Fatalf("fetch called %d times after refresh, want 2", fetch.calls)
	}
}

func TestDecodeUnresolvedFallsBackToRaw(t *testing.T) {
	fetch := &fakeFetcher{schemas: map[string][]byte{}}
	reg := NewRegistry(fetch, logging.New("text", "error").With("schema"))

	dec := reg.Decode("bubbaloop/local/m/unknown/topic", []byte{1, 2, 3})
	if dec.Resolved {
		t.Fatal("unresolved topic must not claim a resolved decode")
	}
	if len(dec.Raw) != 3 {
		t.Fatalf("raw view = %v", dec.Raw)
	}
}

func TestGatedReaderQueuesUntilSchemaReady(t *testing.T) {
	fds := telemetrySet(t)
	topic := "bubbaloop/local/m/camera/entrance/compressed"
	fetch := &fakeFetcher{
		schemas: map[string][]byte{SchemaKey(topic): fds},
		delay:   150 * time.Millisecond,
	}
	reg := NewRegistry(fetch, logging.New("text", "error").With("schema"))

	var mu sync.Mutex
	var got []*Decoded
	reader := NewGatedReader(context.Background(), reg, topic, func(d *Decoded) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})

	// Three messages arrive while the schema is still loading.
	for i := int64(1); i <= 3; i++ {
		reader.Handle(fabric.Sample{Key: topic, Payload: telemetryPayload(t, fds, fmt.Sprintf("m%d", i), i)})
	}

	mu.Lock()
	early := len(got)
	mu.Unlock()
	if early != 0 {
		t.Fatalf("delivered %d samples before schema ready", early)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of 3 queued samples delivered", n)
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, d := range got {
		if !d.Resolved {
			t.Fatalf("sample %d delivered without resolved schema", i)
		}
		if d.Fields["node"] != fmt.Sprintf("m%d", i+1) {
			t.Fatalf("sample %d out of order: node = %v", i, d.Fields["node"])
		}
	}
}
