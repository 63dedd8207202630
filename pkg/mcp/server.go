// Package mcp serves read-only budget tools to MCP clients over stdio
// (JSON-RPC 2.0, one message per line).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/pario-ai/budgetd/pkg/budget"
	"github.com/pario-ai/budgetd/pkg/models"
)

// CostLister lists cost log entries.
type CostLister interface {
	ListCosts(ctx context.Context, opts models.CostQueryOpts) ([]models.CostLogEntry, error)
}

// Server answers MCP requests from a single client.
type Server struct {
	gate     *budget.Gate
	override *budget.Override
	costs    CostLister
	logger   *slog.Logger
	version  string
}

// New creates a Server.
func New(gate *budget.Gate, override *budget.Override, costs CostLister, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{gate: gate, override: override, costs: costs, logger: logger, version: version}
}

// Run reads requests from r and writes responses to w until r is exhausted
// or ctx is canceled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{JSONRPC: jsonrpcVersion, Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.reply(req, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "budgetd", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.reply(req, ToolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.fail(req, CodeInvalidParams, "invalid params")
		}
		return s.reply(req, s.call(ctx, params))
	default:
		return s.fail(req, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) reply(req *Request, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}
}

func (s *Server) fail(req *Request, code int, msg string) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: &RPCError{Code: code, Message: msg}}
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Error("mcp: write response", "error", err)
	}
}
