// Package serve exposes the index read API as MCP tools over stdio.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/phobologic/repoindex/internal/loader"
	"github.com/phobologic/repoindex/internal/model"
	"github.com/phobologic/repoindex/internal/toon"
)

// ServerName is the MCP server name.
const ServerName = "repoindex"

// Server wraps the MCP server around a Loader.
type Server struct {
	mcp    *server.MCPServer
	loader *loader.Loader
	logger *slog.Logger
}

// New creates a server and registers its tools.
func New(l *loader.Loader, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp:    server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false), server.WithRecovery()),
		loader: l,
		logger: logger,
	}
	s.mcp.AddTool(loadCoreTool(), s.handleLoadCore)
	s.mcp.AddTool(loadModuleTool(), s.handleLoadModule)
	s.mcp.AddTool(resolveModuleTool(), s.handleResolveModule)
	s.mcp.AddTool(loadByPathTool(), s.handleLoadByPath)
	s.mcp.AddTool(loadManyTool(), s.handleLoadMany)
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve runs the server on stdin/stdout until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}

var formatProperty = map[string]interface{}{
	"type":        "string",
	"description": "Output format: toon (compact, default) or json",
	"enum":        []string{"toon", "json"},
	"default":     "toon",
}

func loadCoreTool() mcp.Tool {
	return mcp.Tool{
		Name:        "load_core",
		Description: "Load the core index: modules, cross-module calls, critical docs and stats",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"format": formatProperty},
		},
	}
}

func loadModuleTool() mcp.Tool {
	return mcp.Tool{
		Name:        "load_module",
		Description: "Load the full symbol data of one module",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"module_id": map[string]interface{}{
					"type":        "string",
					"description": "Module id as listed by load_core",
				},
				"format": formatProperty,
			},
			Required: []string{"module_id"},
		},
	}
}

func resolveModuleTool() mcp.Tool {
	return mcp.Tool{
		Name:        "resolve_module",
		Description: "Return the id of the module containing a file",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Repository-relative file path",
				},
			},
			Required: []string{"path"},
		},
	}
}

func loadByPathTool() mcp.Tool {
	return mcp.Tool{
		Name:        "load_by_path",
		Description: "Load the module containing a file",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Repository-relative file path",
				},
				"format": formatProperty,
			},
			Required: []string{"path"},
		},
	}
}

func loadManyTool() mcp.Tool {
	return mcp.Tool{
		Name:        "load_many",
		Description: "Load several modules; failures are reported per module",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"module_ids": map[string]interface{}{
					"type":        "array",
					"description": "Module ids to load",
					"items":       map[string]interface{}{"type": "string"},
				},
			},
			Required: []string{"module_ids"},
		},
	}
}

func (s *Server) handleLoadCore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	core, err := s.loader.LoadCore()
	if err != nil {
		return s.toolError("load_core", err), nil
	}
	if format(args) == "json" {
		return jsonResult(core.CoreIndex)
	}
	return mcp.NewToolResultText(toon.EncodeCore(core.CoreIndex)), nil
}

func (s *Server) handleLoadModule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	id, err := requiredString(args, "module_id")
	if err != nil {
		return nil, err
	}
	dm, err := s.loader.LoadModule(id)
	if err != nil {
		return s.toolError("load_module", err), nil
	}
	return moduleResult(dm, format(args))
}

func (s *Server) handleResolveModule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	path, err := requiredString(args, "path")
	if err != nil {
		return nil, err
	}
	id, err := s.loader.ResolveModuleForFile(path)
	if err != nil {
		return s.toolError("resolve_module", err), nil
	}
	return mcp.NewToolResultText(id), nil
}

func (s *Server) handleLoadByPath(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	path, err := requiredString(args, "path")
	if err != nil {
		return nil, err
	}
	dm, err := s.loader.LoadByPath(path)
	if err != nil {
		return s.toolError("load_by_path", err), nil
	}
	return moduleResult(dm, format(args))
}

func (s *Server) handleLoadMany(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	raw, ok := args["module_ids"].([]interface{})
	if !ok {
		return nil, errors.New("module_ids must be an array of strings")
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			return nil, errors.New("module_ids must be an array of strings")
		}
		ids = append(ids, id)
	}

	loaded, failed, err := s.loader.LoadMany(ids)
	if err != nil {
		return s.toolError("load_many", err), nil
	}
	errs := make(map[string]string, len(failed))
	for id, e := range failed {
		errs[id] = e.Error()
	}
	return jsonResult(map[string]interface{}{
		"modules": loaded,
		"errors":  errs,
	})
}

// toolError reports a loader failure to the client as a tool result so
// the agent can react to it.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	s.logger.Warn("tool failed", "tool", tool, "err", err)
	return mcp.NewToolResultError(err.Error())
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, errors.New("invalid arguments")
	}
	return args, nil
}

func requiredString(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s parameter is required", name)
	}
	return v, nil
}

func format(args map[string]interface{}) string {
	if f, ok := args["format"].(string); ok && f == "json" {
		return "json"
	}
	return "toon"
}

func moduleResult(dm *model.DetailModule, format string) (*mcp.CallToolResult, error) {
	if format == "json" {
		return jsonResult(dm)
	}
	return mcp.NewToolResultText(toon.EncodeModule(dm)), nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
