package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bubbaloop/daemon/pkg/audit"
	"github.com/bubbaloop/daemon/pkg/logging"
	"github.com/bubbaloop/daemon/pkg/metrics"
	"github.com/bubbaloop/daemon/pkg/node"
	"github.com/bubbaloop/daemon/pkg/rbac"
	"github.com/bubbaloop/daemon/pkg/resilience"
	"github.com/bubbaloop/daemon/pkg/serviceunit"
)

const (
	// ProtocolVersion is the MCP revision this server speaks.
	ProtocolVersion = "2024-11-05"
	ServerName      = "bubbaloop-daemon"
	ServerVersion   = "0.2.0"

	// toolCallTimeout bounds one tools/call wall-clock.
	toolCallTimeout = 60 * time.Second
)

// Server is the stdio JSON-RPC control plane. Every tools/call runs the
// same gauntlet: argument validation against the tool schema, the RBAC
// tier check, dispatch, then an audit record before the reply goes out.
type Server struct {
	tools  map[string]*Tool
	order  []string
	guard  *rbac.Guard
	audit  *audit.Logger
	caller string
	m      *metrics.Metrics
	log    *logging.Logger

	in  io.Reader
	out io.Writer
	mu  sync.Mutex // serializes writes to stdout

	shutdown chan struct{}
	once     sync.Once
}

// NewServer assembles the control plane over stdin/stdout. caller is the
// identity audited and tier-checked for every call on this transport.
func NewServer(deps *Deps, guard *rbac.Guard, auditor *audit.Logger, caller string, m *metrics.Metrics, log *logging.Logger) *Server {
	s := &Server{
		tools:    make(map[string]*Tool),
		guard:    guard,
		audit:    auditor,
		caller:   caller,
		m:        m,
		log:      log,
		in:       os.Stdin,
		out:      os.Stdout,
		shutdown: make(chan struct{}),
	}
	for _, tool := range buildTools(deps) {
		s.tools[tool.Name] = tool
		s.order = append(s.order, tool.Name)
	}
	return s
}

// WithIO redirects the transport, for tests and the HTTP bridge.
func (s *Server) WithIO(in io.Reader, out io.Writer) *Server {
	s.in = in
	s.out = out
	return s
}

// Serve runs the request loop until EOF, shutdown, or ctx cancellation.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	// Tool results can be large; raise the line limit well beyond default.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdown:
			return nil
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(nil, ErrParse, "parse error: "+err.Error())
			continue
		}
		s.handleRequest(ctx, &req)

		select {
		case <-s.shutdown:
			return nil
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read error: %w", err)
	}
	return nil
}

func (s *Server) handleRequest(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "notifications/initialized":
		// Client ack, nothing to do.
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(ctx, req)
	case "shutdown":
		s.once.Do(func() { close(s.shutdown) })
		s.sendResult(req.ID, map[string]any{})
	case "ping":
		s.sendResult(req.ID, map[string]any{})
	default:
		// Unknown method: only requests (with an ID) expect a response;
		// notifications are silently ignored.
		if req.ID != nil {
			s.sendError(req.ID, ErrMethodMissing, "method not found: "+req.Method)
		}
	}
}

// ── Method handlers ────────────────────────────────────────────────

func (s *Server) handleInitialize(req *Request) {
	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo: EntityInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	}
	s.sendResult(req.ID, result)
}

func (s *Server) handleToolsList(req *Request) {
	infos := make([]ToolInfo, 0, len(s.order))
	for _, name := range s.order {
		tool := s.tools[name]
		infos = append(infos, ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	s.sendResult(req.ID, ToolsListResult{Tools: infos})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		s.sendError(req.ID, ErrInternal, "failed to marshal params")
		return
	}
	var params ToolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.sendError(req.ID, ErrInvalidReq, "invalid tools/call params: "+err.Error())
		return
	}
	if params.Name == "" {
		s.sendError(req.ID, ErrInvalidReq, "tool name is required")
		return
	}

	tool, ok := s.tools[params.Name]
	if !ok {
		// A name that isn't in the registry never reaches the tier check,
		// so this is a protocol-level error, not a policy denial; keeping
		// it out of the denied records leaves those meaning "RBAC said no".
		s.replyOutcome(req.ID, params, Outcome{Success: false, ErrorKind: KindNotFound,
			Message: fmt.Sprintf("unknown tool %q", params.Name)}, audit.ResultError, time.Now())
		return
	}

	start := time.Now()

	// 1. Arguments against the tool's schema.
	if err := ValidateArgs(tool.InputSchema, params.Arguments); err != nil {
		s.sendError(req.ID, ErrInvalidParams, err.Error())
		return
	}

	// 2. Policy tier.
	decision := s.guard.CheckTool(s.caller, params.Name)
	if !decision.Allowed {
		s.replyOutcome(req.ID, params, Outcome{
			Success:      false,
			ErrorKind:    KindDenied,
			RequiredTier: decision.RequiredTier.String(),
			Message:      decision.Reason,
		}, audit.ResultDenied, start)
		return
	}

	// 3. Dispatch under the call budget. The wall-clock is enforced even
	// when a handler ignores its context.
	var data any
	err = resilience.WithTimeout(ctx, toolCallTimeout, func(callCtx context.Context) error {
		var herr error
		data, herr = tool.Handler(callCtx, params.Arguments)
		return herr
	})

	// 4. Audit, then reply.
	if err != nil {
		s.replyOutcome(req.ID, params, outcomeFromError(err), audit.ResultError, start)
		return
	}
	s.replyOutcome(req.ID, params, Outcome{Success: true, Data: data}, audit.ResultOK, start)
}

// outcomeFromError maps component errors onto tool-call error kinds.
func outcomeFromError(err error) Outcome {
	out := Outcome{Success: false, Message: err.Error()}
	var timeout *node.TimeoutError
	var unitTimeout *serviceunit.ErrTimeout
	switch {
	case errors.Is(err, node.ErrProtected):
		out.ErrorKind = KindProtected
	case errors.Is(err, node.ErrNotFound):
		out.ErrorKind = KindNotFound
	case errors.Is(err, node.ErrBusy):
		out.ErrorKind = KindBusy
	case errors.Is(err, errFabricUnavailable):
		out.ErrorKind = KindFabricUnavailable
	case errors.As(err, &timeout), errors.As(err, &unitTimeout), errors.Is(err, context.DeadlineExceeded):
		out.ErrorKind = KindTimeout
	default:
		out.ErrorKind = KindError
	}
	return out
}

// replyOutcome audits the call and writes the tool result. Audit
// backpressure turns a would-be success into a refused call: the record
// matters more than the reply.
func (s *Server) replyOutcome(id any, params ToolCallParams, out Outcome, result audit.Result, start time.Time) {
	if err := s.audit.Log(context.Background(), s.caller, params.Name, params.Arguments, result, time.Since(start)); err != nil {
		out = Outcome{Success: false, ErrorKind: KindAuditBackpressure, Message: err.Error()}
		result = audit.ResultError
	}
	if s.m != nil {
		s.m.ToolCallsTotal.WithLabelValues(params.Name, string(result)).Inc()
	}

	text, err := json.Marshal(out)
	if err != nil {
		s.sendError(id, ErrInternal, "failed to marshal tool outcome")
		return
	}
	s.sendResult(id, ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: string(text)}},
		IsError: !out.Success,
	})
}

// ── Wire helpers ───────────────────────────────────────────────────

func (s *Server) sendResult(id any, result any) {
	s.writeJSON(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id any, code int, message string) {
	s.writeJSON(Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}})
}

func (s *Server) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.ErrorCF(context.Background(), "failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// stdio transport: one JSON object per line.
	_, _ = s.out.Write(data)
	_, _ = s.out.Write([]byte("\n"))
}
