// Package mcpserver exposes the sandbox to LLM agents as MCP tools, over
// stdio or streamable HTTP. Tool results are JSON text; failures are
// reported as tool errors whose text starts with the error kind.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/killswitch"
	"github.com/jkaninda/labbox/internal/session"
)

// Server holds the MCP tool set.
type Server struct {
	mcp      *server.MCPServer
	sessions *session.Manager
	ks       *killswitch.Controller
	logger   *slog.Logger
}

// New registers every tool on a fresh MCP server. ks may be nil, in which
// case the isolate tools are left out.
func New(sessions *session.Manager, ks *killswitch.Controller, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer("labbox", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		sessions: sessions,
		ks:       ks,
		logger:   logger,
	}
	s.registerSessionTools()
	s.registerHistoryTools()
	if ks != nil {
		s.registerIsolateTools()
	}
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over in/out until ctx is canceled or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp stdio server starting")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// HTTPHandler returns a streamable HTTP handler mounted at path.
func (s *Server) HTTPHandler(path string) http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(path))
}

func (s *Server) registerSessionTools() {
	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a sandbox session, or resume one by id. Returns the session."),
		mcp.WithString("session_id", mcp.Description("Optional id; generated when empty")),
	), s.createSession)

	s.mcp.AddTool(mcp.NewTool("execute",
		mcp.WithDescription("Run Python code in the session's isolated interpreter. "+
			"Variables persist between calls. Every completed run is committed to the session history."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source to run")),
		mcp.WithString("message", mcp.Description("Commit message; derived from the code when empty")),
	), s.execute)

	s.mcp.AddTool(mcp.NewTool("commit",
		mcp.WithDescription("Record code in the session history without running it."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source to record")),
		mcp.WithString("message", mcp.Description("Commit message")),
		mcp.WithString("description", mcp.Description("Longer description")),
		mcp.WithString("branch", mcp.Description("Target branch; the current branch when empty")),
	), s.commit)

	s.mcp.AddTool(mcp.NewTool("delete_session",
		mcp.WithDescription("Delete a session, its isolate and its entire history."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithDestructiveHintAnnotation(true),
	), s.deleteSession)
}

func (s *Server) registerHistoryTools() {
	s.mcp.AddTool(mcp.NewTool("history",
		mcp.WithDescription("List commits of a branch, newest first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("branch", mcp.Description("Branch; the current branch when empty")),
		mcp.WithNumber("limit", mcp.Description("Maximum commits; 0 for all")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.history)

	s.mcp.AddTool(mcp.NewTool("diff",
		mcp.WithDescription("Unified diff of the code between two commits of one session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("from", mcp.Required(), mcp.Description("Base commit sha")),
		mcp.WithString("to", mcp.Description("Target commit sha; the parent of from is used when empty")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.diff)

	s.mcp.AddTool(mcp.NewTool("restore",
		mcp.WithDescription("Return the code of a historical commit. No history is changed unless "+
			"create_branch is set, in which case a branch is created there and made current."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("sha", mcp.Required(), mcp.Description("Commit sha")),
		mcp.WithString("create_branch", mcp.Description("Branch to create at the commit")),
		mcp.WithBoolean("reseed", mcp.Description("Copy the commit's files back into the session's scratch area")),
	), s.restore)

	s.mcp.AddTool(mcp.NewTool("create_branch",
		mcp.WithDescription("Create a branch at a commit. The current branch does not change."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch name")),
		mcp.WithString("from", mcp.Description("Commit sha; the head of main when empty")),
	), s.createBranch)

	s.mcp.AddTool(mcp.NewTool("switch_branch",
		mcp.WithDescription("Make a branch current and return its head code."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch name")),
	), s.switchBranch)

	s.mcp.AddTool(mcp.NewTool("list_branches",
		mcp.WithDescription("List the session's branches."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.listBranches)
}

func (s *Server) registerIsolateTools() {
	s.mcp.AddTool(mcp.NewTool("list_isolates",
		mcp.WithDescription("List live isolates."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.listIsolates)

	s.mcp.AddTool(mcp.NewTool("panic",
		mcp.WithDescription("Kill every live isolate immediately. Running executions fail with Killed."),
		mcp.WithDestructiveHintAnnotation(true),
	), s.panic)
}

// --- Handlers ---

func (s *Server) createSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.sessions.Create(ctx, session.CreateOptions{ID: req.GetString("session_id", "")})
	return s.reply("create_session", sess, err)
}

func (s *Server) execute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return invalid(err), nil
	}
	res, err := s.sessions.Execute(ctx, id, code, req.GetString("message", ""))
	return s.reply("execute", res, err)
}

func (s *Server) commit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return invalid(err), nil
	}
	c, err := s.sessions.CommitManual(ctx, id, session.ManualCommit{
		Code:        code,
		Message:     req.GetString("message", ""),
		Description: req.GetString("description", ""),
		Branch:      req.GetString("branch", ""),
	})
	return s.reply("commit", c, err)
}

func (s *Server) deleteSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	err = s.sessions.Delete(ctx, id)
	return s.reply("delete_session", map[string]string{"status": "deleted", "session_id": id}, err)
}

func (s *Server) history(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	limit := req.GetInt("limit", 0)
	if limit < 0 {
		return invalid(fmt.Errorf("limit must not be negative")), nil
	}
	commits, err := s.sessions.History(ctx, id, req.GetString("branch", ""), limit)
	return s.reply("history", commits, err)
}

func (s *Server) diff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	from, err := req.RequireString("from")
	if err != nil {
		return invalid(err), nil
	}
	d, err := s.sessions.Diff(ctx, id, from, req.GetString("to", ""))
	return s.reply("diff", d, err)
}

// restoreResult is the JSON shape of a restore.
type restoreResult struct {
	Code   string         `json:"code"`
	Commit *domain.Commit `json:"commit"`
	Branch *domain.Branch `json:"branch,omitempty"`
}

func (s *Server) restore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	sha, err := req.RequireString("sha")
	if err != nil {
		return invalid(err), nil
	}
	res, err := s.sessions.Restore(ctx, id, sha, session.RestoreOptions{
		CreateBranch: req.GetString("create_branch", ""),
		Reseed:       req.GetBool("reseed", false),
	})
	if err != nil {
		return s.reply("restore", nil, err)
	}
	return s.reply("restore", restoreResult{Code: res.Code, Commit: res.Commit, Branch: res.Branch}, nil)
}

func (s *Server) createBranch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return invalid(err), nil
	}
	br, err := s.sessions.CreateBranch(ctx, id, name, req.GetString("from", ""))
	return s.reply("create_branch", br, err)
}

func (s *Server) switchBranch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return invalid(err), nil
	}
	code, err := s.sessions.SwitchBranch(ctx, id, name)
	return s.reply("switch_branch", map[string]string{"branch": name, "code": code}, err)
}

func (s *Server) listBranches(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return invalid(err), nil
	}
	branches, err := s.sessions.Branches(ctx, id)
	return s.reply("list_branches", branches, err)
}

func (s *Server) listIsolates(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.reply("list_isolates", s.ks.ListActive(), nil)
}

func (s *Server) panic(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Warn("panic requested over mcp")
	return s.reply("panic", s.ks.Panic(ctx), nil)
}

// --- Results ---

// toolError is the JSON body of a failed tool call.
type toolError struct {
	Kind   string                  `json:"kind"`
	Error  string                  `json:"error"`
	Result *domain.ExecutionResult `json:"result,omitempty"`
}

// reply renders v as JSON text, or err as a tool error. Tool failures are
// results, not protocol errors, so the calling model can see and react to them.
func (s *Server) reply(tool string, v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		kind := domain.KindOf(err)
		if kind == "Internal" || kind == "StorageFailure" {
			s.logger.Error("mcp tool failed",
				slog.String("tool", tool),
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
		}
		body, _ := json.Marshal(toolError{Kind: kind, Error: err.Error(), Result: domain.PartialResult(err)})
		return mcp.NewToolResultError(string(body)), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", tool, err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func invalid(err error) *mcp.CallToolResult {
	body, _ := json.Marshal(toolError{Kind: "InvalidArgument", Error: err.Error()})
	return mcp.NewToolResultError(string(body))
}
