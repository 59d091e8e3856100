package snapshot

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/jkaninda/labbox/internal/domain"
)

// Diff compares two commits of a session. Logical files are the code file
// and each artifact in the commits' manifests. An empty toSHA compares
// fromSHA's parent to fromSHA.
func (s *Store) Diff(ctx context.Context, sessionID, fromSHA, toSHA string) (*domain.Diff, error) {
	if err := s.owns(ctx, sessionID, fromSHA); err != nil {
		return nil, err
	}
	if toSHA != "" {
		if err := s.owns(ctx, sessionID, toSHA); err != nil {
			return nil, err
		}
	}

	from, err := s.backend.GetCommit(ctx, sessionID, fromSHA)
	if err != nil {
		return nil, lookupErr("reading commit", err)
	}
	var to *domain.Commit
	if toSHA == "" {
		// Parent diff: "what did this commit change".
		to = from
		from = nil
		if to.ParentSHA != "" {
			if from, err = s.backend.GetCommit(ctx, sessionID, to.ParentSHA); err != nil {
				return nil, storageErr("reading parent commit", err)
			}
		}
	} else if to, err = s.backend.GetCommit(ctx, sessionID, toSHA); err != nil {
		return nil, lookupErr("reading commit", err)
	}

	d := &domain.Diff{
		SessionID:     sessionID,
		ToSHA:         to.SHA,
		FilesAdded:    []string{},
		FilesModified: []string{},
		FilesDeleted:  []string{},
		Files:         []domain.FileDiff{},
	}
	if from != nil {
		d.FromSHA = from.SHA
	}

	s.diffCode(d, from, to)
	s.diffArtifacts(d, from, to)
	return d, nil
}

func (s *Store) diffCode(d *domain.Diff, from, to *domain.Commit) {
	name := s.config.CodeFilename
	switch {
	case from == nil:
		d.FilesAdded = append(d.FilesAdded, name)
		d.Files = append(d.Files, domain.FileDiff{
			Path:    name,
			Change:  domain.FileAdded,
			After:   to.Code,
			Unified: unified(name, "", to.Code, "", to.ShortSHA()),
		})
	case from.Code != to.Code:
		d.FilesModified = append(d.FilesModified, name)
		d.Files = append(d.Files, domain.FileDiff{
			Path:    name,
			Change:  domain.FileModified,
			Before:  from.Code,
			After:   to.Code,
			Unified: unified(name, from.Code, to.Code, from.ShortSHA(), to.ShortSHA()),
		})
	}
}

func (s *Store) diffArtifacts(d *domain.Diff, from, to *domain.Commit) {
	before := manifest(from)
	after := manifest(to)

	names := make([]string, 0, len(before)+len(after))
	for n := range before {
		names = append(names, n)
	}
	for n := range after {
		if _, ok := before[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		a, inBefore := before[name]
		b, inAfter := after[name]
		fd := domain.FileDiff{Path: name}
		switch {
		case !inBefore:
			fd.Change = domain.FileAdded
			d.FilesAdded = append(d.FilesAdded, name)
			fd.After = s.inlineText(to, b)
		case !inAfter:
			fd.Change = domain.FileDeleted
			d.FilesDeleted = append(d.FilesDeleted, name)
			fd.Before = s.inlineText(from, a)
		case a.SizeBytes != b.SizeBytes || a.SHA256 != b.SHA256:
			fd.Change = domain.FileModified
			d.FilesModified = append(d.FilesModified, name)
			fd.Before = s.inlineText(from, a)
			fd.After = s.inlineText(to, b)
			if fd.Before != "" || fd.After != "" {
				fd.Unified = unified(name, fd.Before, fd.After, from.ShortSHA(), to.ShortSHA())
			}
		default:
			continue
		}
		d.Files = append(d.Files, fd)
	}
}

// inlineText returns a small UTF-8 artifact's content, or "" when it is
// binary, large or unreadable.
func (s *Store) inlineText(c *domain.Commit, a domain.Artifact) string {
	if c == nil || a.SizeBytes > s.config.MaxInlineBytes {
		return ""
	}
	data, err := s.readArtifact(c.SessionID, c.SHA, a.Filename)
	if err != nil || !utf8.Valid(data) {
		return ""
	}
	return string(data)
}

func manifest(c *domain.Commit) map[string]domain.Artifact {
	m := make(map[string]domain.Artifact)
	if c == nil {
		return m
	}
	for _, a := range c.Artifacts() {
		m[a.Filename] = a
	}
	return m
}

func unified(name, before, after, fromLabel, toLabel string) string {
	if fromLabel == "" {
		fromLabel = "empty"
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(before),
		B:        splitLines(after),
		FromFile: fmt.Sprintf("a/%s (%s)", name, fromLabel),
		ToFile:   fmt.Sprintf("b/%s (%s)", name, toLabel),
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return difflib.SplitLines(text)
}
