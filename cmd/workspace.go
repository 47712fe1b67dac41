package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/client"
	"github.com/iksnae/mindmap/internal/config"
	"github.com/iksnae/mindmap/internal/gitstore"
	"github.com/iksnae/mindmap/internal/ledger"
)

// requestTimeout bounds every call made to a running server
const requestTimeout = 30 * time.Second

func workspacePaths(c *config.Config) (internal.WorkspacePaths, error) {
	paths, err := c.Paths()
	if err != nil {
		return internal.WorkspacePaths{}, fmt.Errorf("failed to resolve workspace paths: %w", err)
	}
	return paths, nil
}

// newStore builds the workspace store with the data directory and the
// reasoning log kept out of step commits
func newStore(c *config.Config, paths internal.WorkspacePaths) (*gitstore.Store, error) {
	var exclude []string
	if rel := paths.DataDirRelative(); rel != "" {
		exclude = append(exclude, rel)
	}
	if rel := relativeTo(paths.Workspace, paths.TraceFile); rel != "" {
		exclude = append(exclude, rel)
	}
	return gitstore.New(gitstore.Options{
		Path:        paths.Workspace,
		Timeout:     c.Git.Timeout,
		NotesRef:    c.Git.NotesRef,
		AuthorName:  c.Git.AuthorName,
		AuthorEmail: c.Git.AuthorEmail,
		Exclude:     exclude,
		Logger:      internal.Logger(),
	})
}

// openStore opens the existing repository for read commands
func openStore(ctx context.Context, c *config.Config, paths internal.WorkspacePaths) (*gitstore.Store, error) {
	if !paths.IsGitRepository() {
		return nil, fmt.Errorf("workspace %s is not a git repository (run 'mindmap serve' first)", paths.Workspace)
	}
	store, err := newStore(c, paths)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	return store, nil
}

// openLedger opens the ledger read-only; it must already exist
func openLedger(paths internal.WorkspacePaths) (*ledger.Ledger, error) {
	if _, err := os.Stat(paths.Database); err != nil {
		return nil, fmt.Errorf("no ledger at %s (run 'mindmap serve' first)", paths.Database)
	}
	l, err := ledger.OpenReadOnly(paths.Database, ledger.WithLogger(internal.Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

func newClient(c *config.Config) (*client.Client, error) {
	cl, err := client.New(c.Server.Addr,
		client.WithTimeout(requestTimeout),
		client.WithLogger(internal.Logger()))
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", c.Server.Addr, err)
	}
	return cl, nil
}

// relativeTo returns path relative to base, or "" when it lies outside it
func relativeTo(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}

// formatDate renders t relative to now the way the session tables do
func formatDate(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	diff := time.Since(t)
	switch {
	case diff < 24*time.Hour:
		return t.Local().Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Local().Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Local().Format("Jan 02 15:04")
	default:
		return t.Local().Format("2006-01-02")
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:69] + "..."
	}
	return s
}
