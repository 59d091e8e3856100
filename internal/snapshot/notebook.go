package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
)

// nbformat v4 document, only the parts we emit.
type notebook struct {
	Cells         []any            `json:"cells"`
	Metadata      notebookMetadata `json:"metadata"`
	NBFormat      int              `json:"nbformat"`
	NBFormatMinor int              `json:"nbformat_minor"`
}

type notebookMetadata struct {
	KernelSpec   map[string]string `json:"kernelspec"`
	LanguageInfo map[string]string `json:"language_info"`
	Labbox       map[string]string `json:"labbox,omitempty"`
}

type markdownCell struct {
	CellType string         `json:"cell_type"`
	Metadata map[string]any `json:"metadata"`
	Source   []string       `json:"source"`
}

// codeCell always carries execution_count (null when never run) and outputs.
type codeCell struct {
	CellType       string           `json:"cell_type"`
	ExecutionCount *int             `json:"execution_count"`
	Metadata       map[string]any   `json:"metadata"`
	Source         []string         `json:"source"`
	Outputs        []notebookOutput `json:"outputs"`
}

type notebookOutput struct {
	OutputType string   `json:"output_type"`
	Name       string   `json:"name,omitempty"`
	Text       []string `json:"text,omitempty"`
	EName      string   `json:"ename,omitempty"`
	EValue     string   `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`
}

// ExportNotebook renders the branch history, oldest first, as a Jupyter
// notebook. Manual commits become code cells without outputs.
func (s *Store) ExportNotebook(ctx context.Context, sessionID, branch string) ([]byte, error) {
	if branch == "" {
		branch = domain.DefaultBranch
	}
	commits, err := s.History(ctx, sessionID, branch, 0)
	if err != nil {
		return nil, err
	}

	nb := notebook{
		Metadata: notebookMetadata{
			KernelSpec:   map[string]string{"display_name": "Python 3", "language": "python", "name": "python3"},
			LanguageInfo: map[string]string{"name": "python"},
			Labbox:       map[string]string{"session_id": sessionID, "branch": branch},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
	nb.Cells = append(nb.Cells, markdownCell{
		CellType: "markdown",
		Metadata: map[string]any{},
		Source: sourceLines(fmt.Sprintf("# labbox session %s\n\nBranch `%s`, %d commits, exported %s.\n",
			sessionID, branch, len(commits), s.config.Now().UTC().Format(time.RFC3339))),
	})

	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		cell := codeCell{
			CellType: "code",
			Metadata: map[string]any{
				"labbox": map[string]any{
					"sha":        c.SHA,
					"message":    c.Message,
					"created_at": c.CreatedAt.Format(time.RFC3339Nano),
				},
			},
			Source:  sourceLines(c.Code),
			Outputs: []notebookOutput{},
		}
		if r := c.Result; r != nil {
			n := r.ExecutionCount
			cell.ExecutionCount = &n
			if r.Stdout != "" {
				cell.Outputs = append(cell.Outputs, notebookOutput{OutputType: "stream", Name: "stdout", Text: sourceLines(r.Stdout)})
			}
			if r.Stderr != "" && r.Status == domain.StatusOK {
				cell.Outputs = append(cell.Outputs, notebookOutput{OutputType: "stream", Name: "stderr", Text: sourceLines(r.Stderr)})
			}
			if r.Status != domain.StatusOK {
				cell.Outputs = append(cell.Outputs, errorOutput(r))
			}
		}
		nb.Cells = append(nb.Cells, cell)
	}

	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("encoding notebook: %w", err)
	}
	return data, nil
}

// errorOutput turns a failed result into an nbformat error output, taking
// the exception name from the last traceback line.
func errorOutput(r *domain.ExecutionResult) notebookOutput {
	out := notebookOutput{OutputType: "error", EName: "Error", Traceback: strings.Split(strings.TrimRight(r.Stderr, "\n"), "\n")}
	if r.Status == domain.StatusTimeout {
		out.EName = "Timeout"
		out.EValue = "execution timed out"
		return out
	}
	last := out.Traceback[len(out.Traceback)-1]
	if name, value, ok := strings.Cut(last, ": "); ok && !strings.ContainsAny(name, " \t") {
		out.EName, out.EValue = name, value
	} else if last != "" {
		out.EValue = last
	}
	return out
}

// sourceLines splits text the way nbformat stores multi-line strings: every
// line but the last keeps its newline.
func sourceLines(text string) []string {
	if text == "" {
		return []string{}
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
