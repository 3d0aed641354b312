// Package mcp provides the MCP (Model Context Protocol) server that hands
// evaluation profiles to viewers and assistants over stdio.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/evalprof/internal/flamegraph"
	"github.com/Benny93/evalprof/internal/ingestion"
	"github.com/Benny93/evalprof/internal/report"
	"github.com/Benny93/evalprof/internal/storage"
)

// ServerName identifies the server during initialization.
const ServerName = "evalprof"

// ServerVersion is overridden by the CLI with its build version.
var ServerVersion = "0.1.0"

const (
	protocolVersion = "2024-11-05"
	defaultLimit    = 20
)

// Server represents the MCP server.
type Server struct {
	store       storage.ProfileStore
	info        *mcp.Implementation
	granularity flamegraph.Granularity
	logger      log.Logger
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// Option configures a Server.
type Option func(*Server)

// WithGranularity sets the granularity used when the profile tool is called
// without one.
func WithGranularity(g flamegraph.Granularity) Option {
	return func(s *Server) { s.granularity = g }
}

// WithLogger sets the diagnostics logger. Logs never go to stdout, which
// carries the protocol.
func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new MCP server backed by store.
func NewServer(store storage.ProfileStore, opts ...Option) *Server {
	s := &Server{
		store:       store,
		granularity: flamegraph.GranularityStage,
		logger:      log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.info = &mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "evalprof_profile",
			Description: "Profile an evaluation log: parse it, build its flame graph and store the result. Returns the profile ID and the most expensive frames.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"path":        {Type: "string", Description: "Path of the evaluation log"},
					"granularity": {Type: "string", Enum: []any{"stage", "query"}, Description: "Level-one frames: one per stage or one per query"},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "evalprof_flamegraph",
			Description: "Return the flame graph of a stored profile as JSON nodes with name, value, ownValue, kind and children.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"id": {Type: "string", Description: "Profile ID (prefix accepted)"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "evalprof_predicates",
			Description: "List the most expensive predicates of a stored profile by pipeline tuple volume.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"id":    {Type: "string", Description: "Profile ID (prefix accepted)"},
					"limit": {Type: "integer", Description: "Maximum number of predicates"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "evalprof_search",
			Description: "Find predicates by name across all stored profiles. Matches `::` namespaces and camelCase words.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "Search text"},
					"limit": {Type: "integer", Description: "Maximum number of results"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "evalprof_structure",
			Description: "Show the query, stage, predicate and pipeline step structure of an evaluation log with source line ranges.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"path": {Type: "string", Description: "Path of the evaluation log"},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        "evalprof_profiles",
			Description: "List stored profiles, newest first.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "evalprof://profiles",
			Name:        "Stored Profiles",
			Description: "Summary of every stored profile",
			MimeType:    "text/plain",
		},
		{
			URI:         "evalprof://latest/flamegraph",
			Name:        "Latest Flame Graph",
			Description: "Flame graph JSON of the most recent profile",
			MimeType:    "application/json",
		},
		{
			URI:         "evalprof://schema",
			Name:        "Flame Graph Schema",
			Description: "Description of the flame graph node format",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "evalprof_profile":
		path, _ := args["path"].(string)
		granularity, _ := args["granularity"].(string)
		return s.handleProfile(ctx, path, granularity)
	case "evalprof_flamegraph":
		id, _ := args["id"].(string)
		return s.handleFlamegraph(ctx, id)
	case "evalprof_predicates":
		id, _ := args["id"].(string)
		return s.handlePredicates(ctx, id, intArg(args, "limit", defaultLimit))
	case "evalprof_search":
		query, _ := args["query"].(string)
		return s.handleSearch(ctx, query, intArg(args, "limit", defaultLimit))
	case "evalprof_structure":
		path, _ := args["path"].(string)
		return s.handleStructure(ctx, path)
	case "evalprof_profiles":
		return s.handleProfiles(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "evalprof://profiles":
		return s.handleProfiles(ctx)
	case "evalprof://latest/flamegraph":
		profiles, err := s.store.ListProfiles(ctx)
		if err != nil {
			return "", err
		}
		if len(profiles) == 0 {
			return "", errors.New("no profiles stored")
		}
		return toJSON(profiles[0].Flamegraph)
	case "evalprof://schema":
		return getSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run starts the MCP server with stdio transport.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)
	// Note: Do NOT use SetIndent - MCP protocol requires compact JSON (one line per message)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return readErr
		}

		if len(bytes.TrimSpace(line)) > 0 {
			var req map[string]any
			if err := json.Unmarshal(line, &req); err != nil {
				level.Warn(s.logger).Log("msg", "ignoring malformed request", "err", err)
				if err := encoder.Encode(errorResponse(nil, -32700, "Parse error")); err != nil {
					return err
				}
			} else if resp := s.handleRequest(ctx, req); resp != nil {
				if err := encoder.Encode(resp); err != nil {
					return err
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
	}
}

// handleRequest answers one JSON-RPC message. Notifications carry no id and
// get no response.
func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id, hasID := req["id"]
	if !hasID {
		level.Debug(s.logger).Log("msg", "notification", "method", method)
		return nil
	}

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "ping":
		return result(id, map[string]any{})
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return result(id, &mcp.InitializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      s.info,
		Capabilities: &mcp.ServerCapabilities{
			Tools:     &mcp.ToolCapabilities{},
			Resources: &mcp.ResourceCapabilities{},
		},
	})
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]*mcp.Tool, len(tools))
	for i, tool := range tools {
		toolList[i] = &mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}

	return result(id, &mcp.ListToolsResult{Tools: toolList})
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	text, err := s.CallTool(ctx, name, args)
	if err != nil {
		level.Warn(s.logger).Log("msg", "tool call failed", "tool", name, "err", err)
		return errorResponse(id, -32000, err.Error())
	}

	return result(id, &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	})
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]*mcp.Resource, len(resources))
	for i, res := range resources {
		resourceList[i] = &mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}
	}

	return result(id, &mcp.ListResourcesResult{Resources: resourceList})
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)

	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	mimeType := "text/plain"
	for _, res := range s.ListResources() {
		if res.URI == uri {
			mimeType = res.MimeType
		}
	}

	return result(id, &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: mimeType, Text: content}},
	})
}

// Tool Handlers

func (s *Server) handleProfile(ctx context.Context, path, granularity string) (string, error) {
	if path == "" {
		return "No log path provided", nil
	}

	g := s.granularity
	if granularity != "" {
		g = flamegraph.Granularity(granularity)
	}

	res, err := ingestion.RunPipeline(ctx, path, s.store, ingestion.Options{
		Granularity: g,
		Logger:      s.logger,
	}, nil)
	if err != nil {
		return "", err
	}

	p := res.Profile
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Profile %s\n\n", shortID(p.ID)))
	sb.WriteString(fmt.Sprintf("**Log:** %s (%s)\n", p.LogPath, humanize.Bytes(uint64(res.Bytes))))
	sb.WriteString(fmt.Sprintf("**Queries:** %d, **Stages:** %d\n", p.Queries, p.Stages))
	sb.WriteString(fmt.Sprintf("**Total tuples:** %s\n", humanize.Comma(p.TotalTuples)))
	if !p.EvaluationSeen {
		sb.WriteString("\nNo predicate evaluation was found in this log.\n")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("\n### Level-one frames (%s)\n\n", p.Granularity))
	for _, child := range p.Flamegraph.Children {
		sb.WriteString(fmt.Sprintf("- %s: %s tuples\n", child.Name, humanize.Comma(child.Value)))
	}
	sb.WriteString("\nNext: Use `evalprof_flamegraph` with this ID for the full tree.")
	return sb.String(), nil
}

func (s *Server) handleFlamegraph(ctx context.Context, id string) (string, error) {
	p, err := storage.FindProfile(ctx, s.store, id)
	if err != nil {
		return "", err
	}
	return toJSON(p.Flamegraph)
}

func (s *Server) handlePredicates(ctx context.Context, id string, limit int) (string, error) {
	p, err := storage.FindProfile(ctx, s.store, id)
	if err != nil {
		return "", err
	}

	preds := p.Predicates
	if limit > 0 && len(preds) > limit {
		preds = preds[:limit]
	}
	if len(preds) == 0 {
		return "No predicates in profile " + shortID(p.ID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Top %d predicates of %s:\n\n", len(preds), shortID(p.ID)))
	for i, pred := range preds {
		sb.WriteString(fmt.Sprintf("%d. **%s** (%s)\n", i+1, pred.Name, pred.Query))
		sb.WriteString(fmt.Sprintf("   Tuples: %s in %d evaluation(s)\n", humanize.Comma(pred.Tuples), pred.Evaluations))
		if pred.RowCount != nil {
			sb.WriteString(fmt.Sprintf("   Rows: %s\n", humanize.Comma(*pred.RowCount)))
		}
		if pred.EvaluationTime != nil {
			sb.WriteString(fmt.Sprintf("   Time: %sms\n", humanize.Comma(*pred.EvaluationTime)))
		}
	}
	return sb.String(), nil
}

func (s *Server) handleSearch(ctx context.Context, query string, limit int) (string, error) {
	if query == "" {
		return "No query provided", nil
	}

	results, err := s.store.SearchPredicates(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d results for '%s':\n\n", len(results), query))
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("%d. **%s** (%s)\n", i+1, r.Predicate.Name, r.Predicate.Query))
		sb.WriteString(fmt.Sprintf("   Profile: %s (%s)\n", shortID(r.ProfileID), r.LogPath))
		sb.WriteString(fmt.Sprintf("   Tuples: %s\n", humanize.Comma(r.Predicate.Tuples)))
		sb.WriteString(fmt.Sprintf("   Score: %.0f\n", r.Score))
	}
	sb.WriteString("\nNext: Use `evalprof_flamegraph` on a profile to see where the predicate sits.")
	return sb.String(), nil
}

func (s *Server) handleStructure(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "No log path provided", nil
	}

	res, err := ingestion.RunPipeline(ctx, path, nil, ingestion.Options{Logger: s.logger}, nil)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := report.Render(&sb, report.Convert(res.LogFile, res.Profile.LogPath, s.logger)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (s *Server) handleProfiles(ctx context.Context) (string, error) {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return "", err
	}
	if len(profiles) == 0 {
		return "No profiles stored", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Stored Profiles (%d)\n\n", len(profiles)))
	for _, p := range profiles {
		sb.WriteString(fmt.Sprintf("- **%s** %s\n", shortID(p.ID), p.LogPath))
		sb.WriteString(fmt.Sprintf("  %d queries, %d stages, %s tuples, %s, profiled %s\n",
			p.Queries, p.Stages, humanize.Comma(p.TotalTuples), p.Granularity, humanize.Time(p.CreatedAt)))
	}
	return sb.String(), nil
}

// Resource Handlers

func getSchema() string {
	var sb strings.Builder
	sb.WriteString("# Flame Graph Schema\n\n")
	sb.WriteString("| Field | Type | Description |\n")
	sb.WriteString("|-------|------|-------------|\n")
	sb.WriteString("| `name` | string | Predicate name, or an abbreviated list of names for stages, queries and recursive groups |\n")
	sb.WriteString("| `value` | integer | Tuples of the frame including its children |\n")
	sb.WriteString("| `ownValue` | integer | Tuples of the predicate itself; absent on synthetic frames |\n")
	sb.WriteString("| `kind` | string | `Stage` or `Query` for level-one frames, absent otherwise |\n")
	sb.WriteString("| `children` | array | Child frames |\n")
	sb.WriteString("\nThe root frame is named `root`. A child appears under the predicate that\n")
	sb.WriteString("dominates it in the dependency graph of its stage (or query).\n")
	return sb.String()
}

// Helper functions

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func result(id any, payload any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  payload,
	}
}

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
