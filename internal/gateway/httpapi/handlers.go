package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/events"
	"github.com/jkaninda/labbox/internal/killswitch"
	"github.com/jkaninda/labbox/internal/session"
	"github.com/jkaninda/okapi"
)

// --- Sessions ---

// CreateSessionRequest is the JSON body for POST /v1/sessions.
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"` // Empty = generated.
}

// ExecuteRequest is the JSON body for POST /v1/sessions/{id}/execute.
type ExecuteRequest struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"` // Empty = derived from the code.
}

// CommitRequest is the JSON body for POST /v1/sessions/{id}/commits.
type CommitRequest struct {
	Code        string `json:"code"`
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
	Branch      string `json:"branch,omitempty"` // Empty = current branch.
}

func (g *Gateway) registerSessionRoutes() {
	g.group.Post("/sessions", g.handleCreateSession,
		okapi.DocSummary("Create or resume a session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(CreateSessionRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.Session{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleListSessions,
		okapi.DocSummary("List live sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]domain.Session{}),
	)
	g.group.Get("/sessions/{id}", g.handleGetSession,
		okapi.DocSummary("Get a live session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(domain.Session{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleDeleteSession,
		okapi.DocSummary("Delete a session, its isolate and its history"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/execute", g.handleExecute,
		okapi.DocSummary("Execute code in the session's isolate and commit the result"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(session.ExecuteResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestTimeout, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	if g.sseEnabled {
		g.group.Post("/sessions/{id}/execute/stream", g.handleExecuteStream,
			okapi.DocSummary("Execute code and stream session events via SSE"),
			okapi.DocTags("Execution"),
			okapi.DocPathParam("id", "string", "Session ID"),
			okapi.DocRequestBody(ExecuteRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}
	g.group.Post("/sessions/{id}/commits", g.handleCommit,
		okapi.DocSummary("Commit code without executing it"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(CommitRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.Commit{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleCreateSession(c *okapi.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	sess, err := g.sessions.Create(c.Context(), session.CreateOptions{ID: req.SessionID})
	if err != nil {
		return g.fail(c, "create_session", err)
	}
	g.logger.Info("http session created",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("session_id", sess.ID),
	)
	return c.JSON(http.StatusCreated, sess)
}

func (g *Gateway) handleListSessions(c *okapi.Context) error {
	return c.OK(g.sessions.List())
}

func (g *Gateway) handleGetSession(c *okapi.Context) error {
	sess, err := g.sessions.Get(c.Param("id"))
	if err != nil {
		return g.fail(c, "get_session", err)
	}
	return c.OK(sess)
}

func (g *Gateway) handleDeleteSession(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.sessions.Delete(c.Context(), id); err != nil {
		return g.fail(c, "delete_session", err)
	}
	g.logger.Info("http session deleted",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("session_id", id),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Code == "" {
		return badRequest(c, "code is required")
	}

	res, err := g.sessions.Execute(c.Context(), c.Param("id"), req.Code, req.Message)
	if err != nil {
		return g.fail(c, "execute", err)
	}
	return c.OK(res)
}

func (g *Gateway) handleCommit(c *okapi.Context) error {
	var req CommitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	commit, err := g.sessions.CommitManual(c.Context(), c.Param("id"), session.ManualCommit{
		Code:        req.Code,
		Message:     req.Message,
		Description: req.Description,
		Branch:      req.Branch,
	})
	if err != nil {
		return g.fail(c, "commit_manual", err)
	}
	return c.JSON(http.StatusCreated, commit)
}

// --- History ---

// RestoreRequest is the JSON body for POST /v1/sessions/{id}/restore.
type RestoreRequest struct {
	SHA          string `json:"sha"`
	CreateBranch string `json:"create_branch,omitempty"`
	Reseed       bool   `json:"reseed,omitempty"` // Copy the commit's files back into the scratch area.
}

// RestoreResponse is the JSON response for a restore.
type RestoreResponse struct {
	Code   string         `json:"code"`
	Commit *domain.Commit `json:"commit"`
	Branch *domain.Branch `json:"branch,omitempty"`
}

// BranchRequest is the JSON body for POST /v1/sessions/{id}/branches.
type BranchRequest struct {
	Name string `json:"name"`
	From string `json:"from,omitempty"` // Commit sha; empty = head of main.
}

// SwitchResponse is the JSON response for a branch switch.
type SwitchResponse struct {
	Branch string `json:"branch"`
	Code   string `json:"code"`
}

// FileResponse carries a file recorded in a commit. Content is base64 in JSON.
type FileResponse struct {
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	ContentType string `json:"content_type"`
	SizeBytes   int    `json:"size_bytes"`
	Content     []byte `json:"content"`
}

func (g *Gateway) registerHistoryRoutes() {
	g.group.Get("/sessions/{id}/commits", g.handleHistory,
		okapi.DocSummary("List commits of a branch, newest first"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse([]domain.Commit{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/commits/{sha}", g.handleGetCommit,
		okapi.DocSummary("Get a commit"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocPathParam("sha", "string", "Commit SHA"),
		okapi.DocResponse(domain.Commit{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/commits/{sha}/file", g.handleFileAt,
		okapi.DocSummary("Read a file recorded in a commit (?path=)"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocPathParam("sha", "string", "Commit SHA"),
		okapi.DocResponse(FileResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/diff", g.handleDiff,
		okapi.DocSummary("Diff two commits (?from=&to=)"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(domain.Diff{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/restore", g.handleRestore,
		okapi.DocSummary("Check out a historical commit"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(RestoreRequest{}),
		okapi.DocResponse(RestoreResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/branches", g.handleBranches,
		okapi.DocSummary("List branches"),
		okapi.DocTags("Branches"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse([]domain.BranchInfo{}),
	)
	g.group.Post("/sessions/{id}/branches", g.handleCreateBranch,
		okapi.DocSummary("Create a branch at a commit"),
		okapi.DocTags("Branches"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(BranchRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.Branch{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/branches/{name}/switch", g.handleSwitchBranch,
		okapi.DocSummary("Make a branch current"),
		okapi.DocTags("Branches"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocPathParam("name", "string", "Branch name"),
		okapi.DocResponse(SwitchResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/tree", g.handleTree,
		okapi.DocSummary("All commits reachable from any branch"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse([]domain.Commit{}),
	)
	g.group.Get("/sessions/{id}/stats", g.handleStats,
		okapi.DocSummary("History statistics"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(domain.HistoryStats{}),
	)
	g.group.Get("/sessions/{id}/notebook", g.handleNotebook,
		okapi.DocSummary("Export a branch as a Jupyter notebook (?branch=)"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]any{}),
	)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	q := c.Request().URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		limit = n
	}
	commits, err := g.sessions.History(c.Context(), c.Param("id"), q.Get("branch"), limit)
	if err != nil {
		return g.fail(c, "history", err)
	}
	return c.OK(commits)
}

func (g *Gateway) handleGetCommit(c *okapi.Context) error {
	commit, err := g.sessions.Store().GetCommit(c.Context(), c.Param("id"), c.Param("sha"))
	if err != nil {
		return g.fail(c, "get_commit", err)
	}
	return c.OK(commit)
}

func (g *Gateway) handleFileAt(c *okapi.Context) error {
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return badRequest(c, "path is required")
	}
	sha := c.Param("sha")
	data, err := g.sessions.FileAt(c.Context(), c.Param("id"), sha, path)
	if err != nil {
		return g.fail(c, "file_at", err)
	}
	return c.OK(FileResponse{
		Path:        path,
		SHA:         sha,
		ContentType: mimetype.Detect(data).String(),
		SizeBytes:   len(data),
		Content:     data,
	})
}

func (g *Gateway) handleDiff(c *okapi.Context) error {
	q := c.Request().URL.Query()
	from := q.Get("from")
	if from == "" {
		return badRequest(c, "from is required")
	}
	diff, err := g.sessions.Diff(c.Context(), c.Param("id"), from, q.Get("to"))
	if err != nil {
		return g.fail(c, "diff", err)
	}
	return c.OK(diff)
}

func (g *Gateway) handleRestore(c *okapi.Context) error {
	var req RestoreRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SHA == "" {
		return badRequest(c, "sha is required")
	}

	res, err := g.sessions.Restore(c.Context(), c.Param("id"), req.SHA, session.RestoreOptions{
		CreateBranch: req.CreateBranch,
		Reseed:       req.Reseed,
	})
	if err != nil {
		return g.fail(c, "restore", err)
	}
	return c.OK(RestoreResponse{Code: res.Code, Commit: res.Commit, Branch: res.Branch})
}

func (g *Gateway) handleBranches(c *okapi.Context) error {
	branches, err := g.sessions.Branches(c.Context(), c.Param("id"))
	if err != nil {
		return g.fail(c, "branches", err)
	}
	return c.OK(branches)
}

func (g *Gateway) handleCreateBranch(c *okapi.Context) error {
	var req BranchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	br, err := g.sessions.CreateBranch(c.Context(), c.Param("id"), req.Name, req.From)
	if err != nil {
		return g.fail(c, "create_branch", err)
	}
	return c.JSON(http.StatusCreated, br)
}

func (g *Gateway) handleSwitchBranch(c *okapi.Context) error {
	name := c.Param("name")
	code, err := g.sessions.SwitchBranch(c.Context(), c.Param("id"), name)
	if err != nil {
		return g.fail(c, "switch_branch", err)
	}
	return c.OK(SwitchResponse{Branch: name, Code: code})
}

func (g *Gateway) handleTree(c *okapi.Context) error {
	commits, err := g.sessions.Tree(c.Context(), c.Param("id"))
	if err != nil {
		return g.fail(c, "tree", err)
	}
	return c.OK(commits)
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	stats, err := g.sessions.Stats(c.Context(), c.Param("id"))
	if err != nil {
		return g.fail(c, "stats", err)
	}
	return c.OK(stats)
}

func (g *Gateway) handleNotebook(c *okapi.Context) error {
	nb, err := g.sessions.ExportNotebook(c.Context(), c.Param("id"), c.Request().URL.Query().Get("branch"))
	if err != nil {
		return g.fail(c, "export_notebook", err)
	}
	return c.OK(json.RawMessage(nb))
}

// --- Isolates ---

func (g *Gateway) registerIsolateRoutes() {
	g.group.Get("/isolates", g.handleListIsolates,
		okapi.DocSummary("List live isolates"),
		okapi.DocTags("Isolates"),
		okapi.DocResponse([]domain.IsolateInfo{}),
	)
	g.group.Post("/isolates/{id}/kill", g.handleKillIsolate,
		okapi.DocSummary("Kill one isolate"),
		okapi.DocTags("Isolates"),
		okapi.DocPathParam("id", "string", "Isolate ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/panic", g.handlePanic,
		okapi.DocSummary("Kill every live isolate"),
		okapi.DocTags("Isolates"),
		okapi.DocResponse(killswitch.Report{}),
	)
}

func (g *Gateway) handleListIsolates(c *okapi.Context) error {
	return c.OK(g.ks.ListActive())
}

func (g *Gateway) handleKillIsolate(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.ks.Kill(c.Context(), id); err != nil {
		return g.fail(c, "kill_isolate", err)
	}
	return c.OK(map[string]string{"status": "killed", "isolate_id": id})
}

func (g *Gateway) handlePanic(c *okapi.Context) error {
	g.logger.Warn("panic requested over http",
		slog.String("caller_id", c.GetString("callerID")),
	)
	return c.OK(g.ks.Panic(c.Context()))
}

// --- Streaming ---

// StreamEvent is the payload of a terminal SSE event.
type StreamEvent struct {
	Result *session.ExecuteResult `json:"result,omitempty"`
	Error  *ErrorBody             `json:"error,omitempty"`
}

// handleExecuteStream runs an execution while streaming the session's
// events. It ends with a "result" or "error" event followed by "done".
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Code == "" {
		return badRequest(c, "code is required")
	}
	id := c.Param("id")
	if g.bus == nil {
		return c.AbortServiceUnavailable("event stream not configured")
	}

	stream, unsubscribe := g.bus.Subscribe(id, 64)
	defer unsubscribe()

	type outcome struct {
		res *session.ExecuteResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.sessions.Execute(c.Context(), id, req.Code, req.Message)
		done <- outcome{res, err}
	}()

	for {
		select {
		case e, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			c.SSEvent(string(e.Type), e)
		case out := <-done:
			drain(c, stream)
			if out.err != nil {
				body := NewErrorBody(out.err)
				c.SSEvent("error", StreamEvent{Error: &body})
			} else {
				c.SSEvent("result", StreamEvent{Result: out.res})
			}
			c.SSEvent("done", map[string]string{"session_id": id})
			return nil
		}
	}
}

// drain forwards events already buffered when the execution returned.
func drain(c *okapi.Context, stream <-chan events.Event) {
	for {
		select {
		case e, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(string(e.Type), e)
		default:
			return
		}
	}
}
