package fabricapi

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/bubbaloop/daemon/pkg/node"
)

// The daemon's wire messages are defined as descriptors built at runtime
// and compiled through protodesc, the same table the schema queryable
// serves to clients. One file per message, dependencies first, so a
// served FileDescriptorSet always ends with its target file.

const descPackage = "bubbaloop.daemon"

func strptr(s string) *string { return &s }
func i32ptr(i int32) *int32   { return &i }

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	return &descriptorpb.FieldDescriptorProto{
		Name:   strptr(name),
		Number: i32ptr(number),
		Type:   typ.Enum(),
		Label:  label.Enum(),
	}
}

func messageField(name string, number int32, typeName string, repeated bool) *descriptorpb.FieldDescriptorProto {
	f := field(name, number, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, repeated)
	f.TypeName = strptr("." + descPackage + "." + typeName)
	return f
}

func file(name string, deps []string, messages ...*descriptorpb.DescriptorProto) *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:        strptr("bubbaloop/daemon/" + name),
		Package:     strptr(descPackage),
		Syntax:      strptr("proto3"),
		Dependency:  deps,
		MessageType: messages,
	}
}

func buildFiles() []*descriptorpb.FileDescriptorProto {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	boolean := descriptorpb.FieldDescriptorProto_TYPE_BOOL
	i64 := descriptorpb.FieldDescriptorProto_TYPE_INT64
	bytes := descriptorpb.FieldDescriptorProto_TYPE_BYTES

	nodeState := &descriptorpb.DescriptorProto{
		Name: strptr("NodeState"),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("name", 1, str, false),
			field("path", 2, str, false),
			field("version", 3, str, false),
			field("description", 4, str, false),
			field("node_type", 5, str, false),
			field("status", 6, str, false),
			field("installed", 7, boolean, false),
			field("autostart_enabled", 8, boolean, false),
			field("is_built", 9, boolean, false),
			field("build_output", 10, str, true),
			field("protected", 11, boolean, false),
			field("last_refreshed_unix_ms", 12, i64, false),
		},
	}
	nodeList := &descriptorpb.DescriptorProto{
		Name: strptr("NodeList"),
		Field: []*descriptorpb.FieldDescriptorProto{
			messageField("nodes", 1, "NodeState", true),
		},
	}
	nodeEvent := &descriptorpb.DescriptorProto{
		Name: strptr("NodeEvent"),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("timestamp_unix_ms", 1, i64, false),
			field("node_name", 2, str, false),
			field("kind", 3, str, false),
			// Forward-compatible extension point: extra fields ride as a
			// JSON object rather than a fixed schema.
			field("extra_json", 4, bytes, false),
		},
	}
	nodeCommand := &descriptorpb.DescriptorProto{
		Name: strptr("NodeCommand"),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("request_id", 1, str, false),
			field("command", 2, str, false),
			field("name", 3, str, false),
			field("params_json", 4, bytes, false),
		},
	}
	commandResult := &descriptorpb.DescriptorProto{
		Name: strptr("CommandResult"),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("request_id", 1, str, false),
			field("success", 2, boolean, false),
			field("message", 3, str, false),
			field("output", 4, str, false),
			messageField("node_state", 5, "NodeState", false),
		},
	}

	return []*descriptorpb.FileDescriptorProto{
		file("node_state.proto", nil, nodeState),
		file("node_list.proto", []string{"bubbaloop/daemon/node_state.proto"}, nodeList),
		file("node_event.proto", nil, nodeEvent),
		file("node_command.proto", nil, nodeCommand),
		file("command_result.proto", []string{"bubbaloop/daemon/node_state.proto"}, commandResult),
	}
}

// Codec holds the compiled daemon message descriptors and the serialised
// descriptor sets served for schema discovery.
type Codec struct {
	state   protoreflect.MessageDescriptor
	list    protoreflect.MessageDescriptor
	event   protoreflect.MessageDescriptor
	command protoreflect.MessageDescriptor
	result  protoreflect.MessageDescriptor

	sets map[string][]byte // message name → FileDescriptorSet bytes
}

// NewCodec compiles the daemon's descriptor table.
func NewCodec() (*Codec, error) {
	files := buildFiles()
	set := &descriptorpb.FileDescriptorSet{File: files}
	compiled, err := protodesc.NewFiles(set)
	if err != nil {
		return nil, fmt.Errorf("fabricapi: compile descriptors: %w", err)
	}

	lookup := func(path string) (protoreflect.MessageDescriptor, error) {
		fd, err := compiled.FindFileByPath("bubbaloop/daemon/" + path)
		if err != nil {
			return nil, err
		}
		return fd.Messages().Get(0), nil
	}

	c := &Codec{sets: make(map[string][]byte)}
	if c.state, err = lookup("node_state.proto"); err != nil {
		return nil, err
	}
	if c.list, err = lookup("node_list.proto"); err != nil {
		return nil, err
	}
	if c.event, err = lookup("node_event.proto"); err != nil {
		return nil, err
	}
	if c.command, err = lookup("node_command.proto"); err != nil {
		return nil, err
	}
	if c.result, err = lookup("command_result.proto"); err != nil {
		return nil, err
	}

	// Serialise one set per message, dependencies first, target last.
	byPath := make(map[string]*descriptorpb.FileDescriptorProto, len(files))
	for _, f := range files {
		byPath[f.GetName()] = f
	}
	serialise := func(key, path string) error {
		target := byPath["bubbaloop/daemon/"+path]
		ordered := make([]*descriptorpb.FileDescriptorProto, 0, 2)
		for _, dep := range target.GetDependency() {
			ordered = append(ordered, byPath[dep])
		}
		ordered = append(ordered, target)
		data, err := proto.Marshal(&descriptorpb.FileDescriptorSet{File: ordered})
		if err != nil {
			return err
		}
		c.sets[key] = data
		return nil
	}
	for key, path := range map[string]string{
		"NodeState":     "node_state.proto",
		"NodeList":      "node_list.proto",
		"NodeEvent":     "node_event.proto",
		"NodeCommand":   "node_command.proto",
		"CommandResult": "command_result.proto",
	} {
		if err := serialise(key, path); err != nil {
			return nil, fmt.Errorf("fabricapi: serialise %s set: %w", key, err)
		}
	}
	return c, nil
}

// DescriptorSet returns the serialised FileDescriptorSet for one of the
// daemon's message names.
func (c *Codec) DescriptorSet(message string) ([]byte, bool) {
	data, ok := c.sets[message]
	return data, ok
}

// ------------------------------------------------------------------
// Encoding
// ------------------------------------------------------------------

func setStr(m *dynamicpb.Message, name, v string) {
	m.Set(m.Descriptor().Fields().ByName(protoreflect.Name(name)), protoreflect.ValueOfString(v))
}

func setBool(m *dynamicpb.Message, name string, v bool) {
	m.Set(m.Descriptor().Fields().ByName(protoreflect.Name(name)), protoreflect.ValueOfBool(v))
}

func setInt64(m *dynamicpb.Message, name string, v int64) {
	m.Set(m.Descriptor().Fields().ByName(protoreflect.Name(name)), protoreflect.ValueOfInt64(v))
}

func setBytes(m *dynamicpb.Message, name string, v []byte) {
	m.Set(m.Descriptor().Fields().ByName(protoreflect.Name(name)), protoreflect.ValueOfBytes(v))
}

func (c *Codec) stateMessage(st node.State) *dynamicpb.Message {
	m := dynamicpb.NewMessage(c.state)
	setStr(m, "name", st.Name)
	setStr(m, "path", st.Path)
	setStr(m, "version", st.Version)
	setStr(m, "description", st.Description)
	setStr(m, "node_type", string(st.NodeType))
	setStr(m, "status", string(st.Status))
	setBool(m, "installed", st.Installed)
	setBool(m, "autostart_enabled", st.AutostartEnabled)
	setBool(m, "is_built", st.IsBuilt)
	setBool(m, "protected", st.Protected)
	setInt64(m, "last_refreshed_unix_ms", st.LastRefreshed.UnixMilli())
	outField := c.state.Fields().ByName("build_output")
	outList := m.Mutable(outField).List()
	for _, line := range st.BuildOutput {
		outList.Append(protoreflect.ValueOfString(line))
	}
	return m
}

// EncodeNodeState serialises one node state.
func (c *Codec) EncodeNodeState(st node.State) ([]byte, error) {
	return proto.Marshal(c.stateMessage(st))
}

// EncodeNodeList serialises a full node list.
func (c *Codec) EncodeNodeList(states []node.State) ([]byte, error) {
	m := dynamicpb.NewMessage(c.list)
	listField := c.list.Fields().ByName("nodes")
	list := m.Mutable(listField).List()
	for _, st := range states {
		list.Append(protoreflect.ValueOfMessage(c.stateMessage(st)))
	}
	return proto.Marshal(m)
}

// EncodeEvent serialises one node event. Extra fields travel as JSON in
// the extension slot.
func (c *Codec) EncodeEvent(ev node.Event) ([]byte, error) {
	m := dynamicpb.NewMessage(c.event)
	setInt64(m, "timestamp_unix_ms", ev.Timestamp.UnixMilli())
	setStr(m, "node_name", ev.NodeName)
	setStr(m, "kind", string(ev.Kind))
	if len(ev.Extra) > 0 {
		extra, err := json.Marshal(ev.Extra)
		if err != nil {
			return nil, fmt.Errorf("fabricapi: encode event extra: %w", err)
		}
		setBytes(m, "extra_json", extra)
	}
	return proto.Marshal(m)
}

// DecodeCommand parses a NodeCommand payload. Protobuf is the wire
// format; a JSON object is accepted as a debugging convenience.
func (c *Codec) DecodeCommand(payload []byte) (node.Command, error) {
	if len(payload) > 0 && payload[0] == '{' {
		var cmd node.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return node.Command{}, fmt.Errorf("fabricapi: decode command json: %w", err)
		}
		return cmd, nil
	}

	m := dynamicpb.NewMessage(c.command)
	if err := proto.Unmarshal(payload, m); err != nil {
		return node.Command{}, fmt.Errorf("fabricapi: decode command: %w", err)
	}
	fields := c.command.Fields()
	cmd := node.Command{
		RequestID: m.Get(fields.ByName("request_id")).String(),
		Kind:      node.CommandKind(m.Get(fields.ByName("command")).String()),
		Name:      m.Get(fields.ByName("name")).String(),
	}
	if raw := m.Get(fields.ByName("params_json")).Bytes(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &cmd.Params); err != nil {
			return node.Command{}, fmt.Errorf("fabricapi: decode command params: %w", err)
		}
	}
	return cmd, nil
}

// EncodeResult serialises a CommandResult.
func (c *Codec) EncodeResult(res *node.Result) ([]byte, error) {
	m := dynamicpb.NewMessage(c.result)
	setStr(m, "request_id", res.RequestID)
	setBool(m, "success", res.Success)
	setStr(m, "message", res.Message)
	setStr(m, "output", res.Output)
	if res.NodeState != nil {
		m.Set(c.result.Fields().ByName("node_state"), protoreflect.ValueOfMessage(c.stateMessage(*res.NodeState)))
	}
	return proto.Marshal(m)
}

// DecodeResult parses a CommandResult payload; the package's tests use it
// to read back command replies.
func (c *Codec) DecodeResult(payload []byte) (*node.Result, error) {
	m := dynamicpb.NewMessage(c.result)
	if err := proto.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("fabricapi: decode result: %w", err)
	}
	fields := c.result.Fields()
	res := &node.Result{
		RequestID: m.Get(fields.ByName("request_id")).String(),
		Success:   m.Get(fields.ByName("success")).Bool(),
		Message:   m.Get(fields.ByName("message")).String(),
		Output:    m.Get(fields.ByName("output")).String(),
	}
	if m.Has(fields.ByName("node_state")) {
		sm := m.Get(fields.ByName("node_state")).Message()
		sf := c.state.Fields()
		st := node.State{
			Name:             sm.Get(sf.ByName("name")).String(),
			Path:             sm.Get(sf.ByName("path")).String(),
			Version:          sm.Get(sf.ByName("version")).String(),
			Description:      sm.Get(sf.ByName("description")).String(),
			NodeType:         node.NodeType(sm.Get(sf.ByName("node_type")).String()),
			Status:           node.Status(sm.Get(sf.ByName("status")).String()),
			Installed:        sm.Get(sf.ByName("installed")).Bool(),
			AutostartEnabled: sm.Get(sf.ByName("autostart_enabled")).Bool(),
			IsBuilt:          sm.Get(sf.ByName("is_built")).Bool(),
			Protected:        sm.Get(sf.ByName("protected")).Bool(),
			LastRefreshed:    time.UnixMilli(sm.Get(sf.ByName("last_refreshed_unix_ms")).Int()),
		}
		outList := sm.Get(sf.ByName("build_output")).List()
		for i := 0; i < outList.Len(); i++ {
			st.BuildOutput = append(st.BuildOutput, outList.Get(i).String())
		}
		res.NodeState = &st
	}
	return res, nil
}
