// Package gitrepo reads and commits content files in a workspace git
// repository. Reads always come from the tip of the configured branch, not
// the working tree.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forge/api/internal/scope"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	dir    string
	branch string
	mu     sync.Mutex
}

func New(dir, branch string) *Service {
	if branch == "" {
		branch = "main"
	}
	return &Service{dir: dir, branch: branch}
}

func (s *Service) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(s.branch)
}

// EnsureRepo initializes an empty repository whose HEAD points at the
// configured branch. An existing repository is left alone.
func (s *Service) EnsureRepo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := git.PlainOpen(s.dir); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(s.dir, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, s.branchRef())); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", s.branch, err)
	}
	return nil
}

// ReadContent returns the file at path from the branch tip. Paths outside
// allowedRoots fail with scope.ErrOutOfScope and missing files with
// fs.ErrNotExist.
func (s *Service) ReadContent(ctx context.Context, path string, allowedRoots []string) (string, error) {
	clean, ok := scope.CleanPath(path)
	if !ok || !scope.Within(clean, allowedRoots) {
		return "", fmt.Errorf("read %s: %w", path, scope.ErrOutOfScope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	commitObj, err := s.tip()
	if err != nil {
		return "", err
	}
	file, err := commitObj.File(clean)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", fmt.Errorf("read %s at %s: %w", clean, s.branch, fs.ErrNotExist)
	}
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", clean, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read content bytes: %w", err)
	}
	return string(raw), nil
}

func (s *Service) tip() (*object.Commit, error) {
	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(s.branchRef(), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("branch %s has no commits: %w", s.branch, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", s.branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

// CommitFile writes content to path on the branch and commits it.
func (s *Service) CommitFile(path, content, author, message string) (CommitInfo, error) {
	clean, ok := scope.CleanPath(path)
	if !ok {
		return CommitInfo{}, fmt.Errorf("commit %s: %w", path, scope.ErrOutOfScope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if err := s.checkoutBranch(repo); err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create content dir: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", clean, err)
	}
	if _, err := worktree.Add(clean); err != nil {
		return CommitInfo{}, fmt.Errorf("git add %s: %w", clean, err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.forge.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit %s: %w", clean, err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits on the branch that touched path, newest first.
func (s *Service) History(path string, limit int) ([]CommitInfo, error) {
	clean, ok := scope.CleanPath(path)
	if !ok {
		return nil, fmt.Errorf("history %s: %w", path, scope.ErrOutOfScope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(s.branchRef(), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", s.branch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &clean})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := []CommitInfo{}
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// checkoutBranch switches the worktree to the branch. On an empty repository
// HEAD is pointed at the branch so the first commit creates it.
func (s *Service) checkoutBranch(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	if _, err := repo.Reference(s.branchRef(), true); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("resolve branch %s: %w", s.branch, err)
		}
		if _, headErr := repo.Head(); errors.Is(headErr, plumbing.ErrReferenceNotFound) {
			return repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, s.branchRef()))
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: s.branchRef(), Create: true}); err != nil {
			return fmt.Errorf("create branch checkout %s: %w", s.branch, err)
		}
		return nil
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: s.branchRef(), Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", s.branch, err)
	}
	return nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
