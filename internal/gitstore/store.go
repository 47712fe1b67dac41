// Package gitstore keeps one git commit per reasoning step and implements
// rollback and branching of the workspace on top of that history.
package gitstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/iksnae/mindmap/internal"
	"go.uber.org/zap"
)

const (
	DefaultNotesRef    = "mindmap"
	DefaultAuthorName  = "mindmap"
	DefaultAuthorEmail = "mindmap@localhost"
)

// ErrNotInitialized is returned when an operation runs before Initialize
var ErrNotInitialized = errors.New("workspace store not initialized")

// Options configures a Store
type Options struct {
	Path        string
	Timeout     time.Duration
	NotesRef    string
	AuthorName  string
	AuthorEmail string
	// Exclude lists workspace-relative paths written to .git/info/exclude so
	// they are never committed or stashed.
	Exclude []string
	Logger  *zap.Logger
	Now     func() time.Time
}

// Store is the versioned workspace
type Store struct {
	path     string
	notesRef string
	exclude  []string
	name     string
	email    string
	log      *zap.Logger
	now      func() time.Time
	git      *gitCLI

	mu   sync.RWMutex
	repo *git.Repository
}

// New creates a Store for the workspace at opts.Path
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("workspace path is required")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace path: %w", err)
	}
	if opts.NotesRef == "" {
		opts.NotesRef = DefaultNotesRef
	}
	if opts.AuthorName == "" {
		opts.AuthorName = DefaultAuthorName
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = DefaultAuthorEmail
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		path:     abs,
		notesRef: opts.NotesRef,
		exclude:  opts.Exclude,
		name:     opts.AuthorName,
		email:    opts.AuthorEmail,
		log:      opts.Logger.Named("gitstore"),
		now:      opts.Now,
		git:      newGitCLI(abs, opts.Timeout),
	}, nil
}

// Path returns the workspace directory
func (s *Store) Path() string {
	return s.path
}

// Initialize opens the repository at the workspace path, creating it when
// absent, and makes sure a committer identity is configured. Safe to call
// more than once.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.path, 0755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	repo, err := git.PlainOpen(s.path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		s.log.Info("Initializing workspace repository", zap.String("path", s.path))
		repo, err = git.PlainInit(s.path, false)
	}
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("reading repository config: %w", err)
	}
	if cfg.User.Name == "" || cfg.User.Email == "" {
		if cfg.User.Name == "" {
			cfg.User.Name = s.name
		}
		if cfg.User.Email == "" {
			cfg.User.Email = s.email
		}
		if err := repo.SetConfig(cfg); err != nil {
			return fmt.Errorf("writing committer identity: %w", err)
		}
	}
	s.name, s.email = cfg.User.Name, cfg.User.Email

	if err := s.ensureExcluded(); err != nil {
		return err
	}

	s.repo = repo
	return nil
}

// ensureExcluded appends the configured paths to .git/info/exclude
func (s *Store) ensureExcluded() error {
	if len(s.exclude) == 0 {
		return nil
	}
	path := filepath.Join(s.path, ".git", "info", "exclude")
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var add []string
	for _, p := range s.exclude {
		pattern := "/" + strings.TrimPrefix(filepath.ToSlash(p), "/")
		if !present[pattern] {
			add = append(add, pattern)
			present[pattern] = true
		}
	}
	if len(add) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	prefix := ""
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + strings.Join(add, "\n") + "\n"); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *Store) repository() (*git.Repository, error) {
	if s.repo == nil {
		return nil, ErrNotInitialized
	}
	return s.repo, nil
}

// resolve turns any revision (full or short hash, branch, HEAD~1) into a
// commit hash
func (s *Store) resolve(ctx context.Context, ref string) (plumbing.Hash, error) {
	if strings.TrimSpace(ref) == "" {
		return plumbing.ZeroHash, errors.New("empty reference")
	}
	out, err := s.git.revParse(ctx, ref)
	if err != nil || out == "" {
		return plumbing.ZeroHash, fmt.Errorf("reference %q not found in history", ref)
	}
	return plumbing.NewHash(out), nil
}

// Head returns the commit HEAD points at, or "" for an unborn branch
func (s *Store) Head(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.repository()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// CurrentBranch returns the checked out branch name, or "HEAD" when detached
func (s *Store) CurrentBranch(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.repository()
	if err != nil {
		return "", err
	}
	return currentBranch(repo)
}

func currentBranch(repo *git.Repository) (string, error) {
	ref, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if ref.Type() == plumbing.SymbolicReference {
		return ref.Target().Short(), nil
	}
	return "HEAD", nil
}

// Resolve returns the full hash for a revision
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	h, err := s.resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// IsAncestor reports whether ref is reachable from the tip of branch
func (s *Store) IsAncestor(ctx context.Context, ref, branch string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.repository()
	if err != nil {
		return false, err
	}
	base, err := s.resolve(ctx, ref)
	if err != nil {
		return false, err
	}
	tip, err := s.resolve(ctx, branch)
	if err != nil {
		return false, err
	}

	baseCommit, err := repo.CommitObject(base)
	if err != nil {
		return false, fmt.Errorf("loading commit %s: %w", base, err)
	}
	tipCommit, err := repo.CommitObject(tip)
	if err != nil {
		return false, fmt.Errorf("loading commit %s: %w", tip, err)
	}
	return baseCommit.IsAncestor(tipCommit)
}

// BranchExists reports whether a local branch exists
func (s *Store) BranchExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.repository()
	if err != nil {
		return false
	}
	return branchExists(repo, name)
}

func branchExists(repo *git.Repository, name string) bool {
	_, err := repo.Reference(plumbing.NewBranchReferenceName(name), false)
	return err == nil
}

// History returns the commits reachable from HEAD, newest first. An unborn
// repository has an empty history.
func (s *Store) History(ctx context.Context) ([]internal.CommitInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.repository()
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []internal.CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	notes, err := s.loadNotes(repo)
	if err != nil {
		s.log.Warn("Failed to read step notes", zap.Error(err))
		notes = map[string]*internal.StepMetadata{}
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("walking history: %w", err)
	}
	defer iter.Close()

	history := []internal.CommitInfo{}
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		info := internal.CommitInfo{
			Ref:       c.Hash.String(),
			Message:   strings.TrimRight(c.Message, "\n"),
			Timestamp: c.Committer.When,
			Metadata:  notes[c.Hash.String()],
		}
		if len(c.ParentHashes) > 0 {
			info.Parent = c.ParentHashes[0].String()
		}
		history = append(history, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking history: %w", err)
	}
	return history, nil
}

// Metadata returns the step annotation attached to ref, or nil if none
func (s *Store) Metadata(ctx context.Context, ref string) (*internal.StepMetadata, error) {
	h, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := s.repository()
	if err != nil {
		return nil, err
	}
	notes, err := s.loadNotes(repo)
	if err != nil {
		return nil, err
	}
	return notes[h.String()], nil
}

// loadNotes reads every annotation under the notes ref
func (s *Store) loadNotes(repo *git.Repository) (map[string]*internal.StepMetadata, error) {
	notes := make(map[string]*internal.StepMetadata)

	ref, err := repo.Reference(plumbing.ReferenceName("refs/notes/"+s.notesRef), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return notes, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading notes ref: %w", err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("loading notes commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("loading notes tree: %w", err)
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		var meta internal.StepMetadata
		if err := json.Unmarshal([]byte(content), &meta); err != nil {
			s.log.Debug("Skipping non-step note", zap.String("object", f.Name))
			return nil
		}
		// notes trees may fan out as ab/cdef...
		notes[strings.ReplaceAll(f.Name, "/", "")] = &meta
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading notes: %w", err)
	}
	return notes, nil
}

// IsDirty reports whether the worktree has uncommitted changes
func (s *Store) IsDirty(ctx context.Context) (bool, error) {
	out, err := s.git.porcelain(ctx)
	if err != nil {
		return false, err
	}
	return out != "", nil
}
