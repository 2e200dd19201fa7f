// Package mcp implements the device side of the Model Context Protocol: a
// JSON-RPC 2.0 tool server that answers initialize, tools/list and
// tools/call requests carried inside the conversation protocol.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProtocolVersion is the MCP revision the server speaks.
const ProtocolVersion = "2024-11-05"

// maxListPayload caps the size of one tools/list result.
const maxListPayload = 8000

// ServerInfo identifies the device in the initialize reply.
type ServerInfo struct {
	Name    string
	Version string
}

// VisionConfig is the image explanation endpoint announced by the peer in
// initialize capabilities.
type VisionConfig struct {
	URL   string
	Token string
}

// Server dispatches MCP requests to registered tools.
type Server struct {
	Info ServerInfo

	// Send delivers a complete JSON-RPC reply to the peer.
	Send func(payload json.RawMessage)

	// Schedule runs tool calls. When nil calls run synchronously.
	Schedule func(func())

	// OnVision receives capabilities.vision from initialize.
	OnVision func(VisionConfig)

	Logger *slog.Logger

	mu    sync.Mutex
	tools []*Tool
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// AddTool registers t. A tool whose name is already registered is ignored.
func (s *Server) AddTool(t *Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(t)
}

// AddUserOnlyTool registers t as user-only.
func (s *Server) AddUserOnlyTool(t *Tool) {
	t.UserOnly = true
	s.AddTool(t)
}

// AddCommonTools registers tools ahead of every tool added so far, so the
// most used tools lead the list.
func (s *Server) AddCommonTools(tools ...*Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := s.tools
	s.tools = nil
	for _, t := range tools {
		if slices.ContainsFunc(rest, func(o *Tool) bool { return o.Name == t.Name }) {
			s.logger().Warn("mcp: tool already added", "tool", t.Name)
			continue
		}
		s.addLocked(t)
	}
	s.tools = append(s.tools, rest...)
}

func (s *Server) addLocked(t *Tool) {
	if s.findLocked(t.Name) != nil {
		s.logger().Warn("mcp: tool already added", "tool", t.Name)
		return
	}
	if t.UserOnly {
		s.logger().Info("mcp: add tool", "tool", t.Name, "user_only", true)
	} else {
		s.logger().Info("mcp: add tool", "tool", t.Name)
	}
	s.tools = append(s.tools, t)
}

func (s *Server) findLocked(name string) *Tool {
	for _, t := range s.tools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Tools returns the registered tools in list order.
func (s *Server) Tools() []*Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tools)
}

// ParseMessage handles one raw message, logging and dropping malformed JSON.
func (s *Server) ParseMessage(data []byte) {
	if !gjson.ValidBytes(data) {
		s.logger().Error("mcp: failed to parse message", "message", string(data))
		return
	}
	s.HandleMessage(data)
}

// HandleMessage handles one JSON-RPC request or notification. Requests
// without a numeric id are dropped since no reply could be addressed.
func (s *Server) HandleMessage(msg json.RawMessage) {
	r := gjson.ParseBytes(msg)
	if v := r.Get("jsonrpc"); v.Type != gjson.String || v.Str != "2.0" {
		s.logger().Error("mcp: invalid jsonrpc version", "version", v.String())
		return
	}
	m := r.Get("method")
	if m.Type != gjson.String {
		s.logger().Error("mcp: missing method")
		return
	}
	method := m.Str
	if strings.HasPrefix(method, "notifications") {
		return
	}
	params := r.Get("params")
	if params.Exists() && !params.IsObject() {
		s.logger().Error("mcp: invalid params", "method", method)
		return
	}
	idv := r.Get("id")
	if idv.Type != gjson.Number {
		s.logger().Error("mcp: invalid id", "method", method)
		return
	}
	id := idv.Int()

	switch method {
	case "initialize":
		if vision := params.Get("capabilities.vision"); vision.IsObject() {
			s.parseVision(vision)
		}
		s.replyResult(id, s.initializeResult())
	case "tools/list":
		cursor := ""
		if c := params.Get("cursor"); c.Type == gjson.String {
			cursor = c.Str
		}
		withUser := false
		if w := params.Get("withUserTools"); w.IsBool() {
			withUser = w.Bool()
		}
		s.listTools(id, cursor, withUser)
	case "tools/call":
		if !params.IsObject() {
			s.replyError(id, "Missing params")
			return
		}
		name := params.Get("name")
		if name.Type != gjson.String {
			s.replyError(id, "Missing name")
			return
		}
		args := params.Get("arguments")
		if args.Exists() && !args.IsObject() {
			s.replyError(id, "Invalid arguments")
			return
		}
		s.callTool(id, name.Str, args)
	default:
		s.logger().Error("mcp: method not implemented", "method", method)
		s.replyError(id, "Method not implemented: "+method)
	}
}

func (s *Server) parseVision(v gjson.Result) {
	url := v.Get("url")
	if url.Type != gjson.String || s.OnVision == nil {
		return
	}
	s.OnVision(VisionConfig{URL: url.Str, Token: v.Get("token").String()})
}

func (s *Server) initializeResult() []byte {
	out := []byte(`{"capabilities":{"tools":{}}}`)
	out, _ = sjson.SetBytes(out, "protocolVersion", ProtocolVersion)
	out, _ = sjson.SetBytes(out, "serverInfo.name", s.Info.Name)
	out, _ = sjson.SetBytes(out, "serverInfo.version", s.Info.Version)
	return out
}

// listTools pages through the tools starting at cursor. The page stops at
// the first tool that would push the result past maxListPayload; that tool
// becomes nextCursor.
func (s *Server) listTools(id int64, cursor string, withUser bool) {
	tools := s.Tools()

	var (
		buf    = []byte(`{"tools":[`)
		next   string
		found  = cursor == ""
		listed int
	)
	for _, t := range tools {
		if !found {
			if t.Name != cursor {
				continue
			}
			found = true
		}
		if t.UserOnly && !withUser {
			continue
		}
		tj, err := json.Marshal(t)
		if err != nil {
			s.logger().Error("mcp: marshal tool", "tool", t.Name, "error", err)
			continue
		}
		if len(buf)+len(tj)+1+30 > maxListPayload {
			next = t.Name
			break
		}
		if listed > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, tj...)
		listed++
	}
	if listed == 0 && next != "" {
		s.logger().Error("mcp: tool exceeds payload size limit", "tool", next)
		s.replyError(id, "Failed to add tool "+next+" because of payload size limit")
		return
	}
	buf = append(buf, "]}"...)
	if next != "" {
		buf, _ = sjson.SetBytes(buf, "nextCursor", next)
	}
	s.replyResult(id, buf)
}

// bind matches the call arguments against the tool properties by type.
func bind(t *Tool, args gjson.Result) (Arguments, error) {
	out := make(Arguments, len(t.Properties))
	for _, p := range t.Properties {
		v := args.Get(gjson.Escape(p.Name))
		found := false
		switch {
		case p.Type == TypeBoolean && v.IsBool():
			out[p.Name] = v.Bool()
			found = true
		case p.Type == TypeInteger && v.Type == gjson.Number:
			n := int(v.Int())
			if err := p.check(n); err != nil {
				return nil, err
			}
			out[p.Name] = n
			found = true
		case p.Type == TypeString && v.Type == gjson.String:
			out[p.Name] = v.Str
			found = true
		}
		if found {
			continue
		}
		if p.Default == nil {
			return nil, fmt.Errorf("Missing valid argument: %s", p.Name)
		}
		out[p.Name] = p.Default
	}
	return out, nil
}

func (s *Server) callTool(id int64, name string, args gjson.Result) {
	s.mu.Lock()
	t := s.findLocked(name)
	s.mu.Unlock()
	if t == nil {
		s.logger().Error("mcp: unknown tool", "tool", name)
		s.replyError(id, "Unknown tool: "+name)
		return
	}
	bound, err := bind(t, args)
	if err != nil {
		s.logger().Error("mcp: tools/call", "tool", name, "error", err)
		s.replyError(id, err.Error())
		return
	}
	run := func() {
		text, err := invoke(t, bound)
		if err != nil {
			s.logger().Error("mcp: tools/call", "tool", name, "error", err)
			s.replyError(id, err.Error())
			return
		}
		res := []byte(`{"content":[{"type":"text"}],"isError":false}`)
		res, _ = sjson.SetBytes(res, "content.0.text", text)
		s.replyResult(id, res)
	}
	if s.Schedule != nil {
		s.Schedule(run)
		return
	}
	run()
}

func invoke(t *Tool, args Arguments) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	if t.Call == nil {
		return "", fmt.Errorf("tool %s is not callable", t.Name)
	}
	v, err := t.Call(args)
	if err != nil {
		return "", err
	}
	return formatResult(v)
}

func (s *Server) replyResult(id int64, result []byte) {
	out := []byte(`{"jsonrpc":"2.0"}`)
	out, _ = sjson.SetBytes(out, "id", id)
	out, _ = sjson.SetRawBytes(out, "result", result)
	s.send(out)
}

func (s *Server) replyError(id int64, message string) {
	out := []byte(`{"jsonrpc":"2.0"}`)
	out, _ = sjson.SetBytes(out, "id", id)
	out, _ = sjson.SetBytes(out, "error.message", message)
	s.send(out)
}

func (s *Server) send(payload []byte) {
	if s.Send == nil {
		s.logger().Warn("mcp: no sender, reply dropped")
		return
	}
	s.Send(payload)
}
