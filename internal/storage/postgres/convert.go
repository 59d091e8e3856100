package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/labbox/internal/domain"
)

// --- Commit ---

func toCommitModel(c *domain.Commit) (CommitModel, error) {
	m := CommitModel{
		SHA:         c.SHA,
		SessionID:   c.SessionID,
		Branch:      c.Branch,
		Message:     c.Message,
		Description: c.Description,
		Code:        c.Code,
		ParentSHA:   c.ParentSHA,
		CreatedAt:   c.CreatedAt.UTC(),
	}
	if c.Result != nil {
		data, err := json.Marshal(c.Result)
		if err != nil {
			return CommitModel{}, fmt.Errorf("encoding execution result: %w", err)
		}
		m.Result = string(data)
	}
	return m, nil
}

func toCommitDomain(m *CommitModel) (*domain.Commit, error) {
	c := &domain.Commit{
		SHA:         m.SHA,
		SessionID:   m.SessionID,
		Branch:      m.Branch,
		Message:     m.Message,
		Description: m.Description,
		Code:        m.Code,
		ParentSHA:   m.ParentSHA,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if m.Result != "" {
		var r domain.ExecutionResult
		if err := json.Unmarshal([]byte(m.Result), &r); err != nil {
			return nil, fmt.Errorf("decoding execution result of %s: %w", m.SHA, err)
		}
		c.Result = &r
	}
	return c, nil
}

// --- Branch ---

func toBranchModel(b *domain.Branch) BranchModel {
	return BranchModel{
		SessionID: b.SessionID,
		Name:      b.Name,
		HeadSHA:   b.HeadSHA,
		CreatedAt: b.CreatedAt.UTC(),
		UpdatedAt: b.UpdatedAt.UTC(),
	}
}

func toBranchDomain(m *BranchModel) domain.Branch {
	return domain.Branch{
		SessionID: m.SessionID,
		Name:      m.Name,
		HeadSHA:   m.HeadSHA,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}
