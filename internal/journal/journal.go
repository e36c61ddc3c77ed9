// Package journal keeps an audit trail of schedule snapshots in a
// local git repository. Every import commits the state it replaced, so
// a bad paste can always be recovered.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"worksite/api/internal/store"
)

const snapshotFile = "worksite.json"

// State is the committed document: the full activity list with its
// progress and weld counters.
type State struct {
	Activities []store.Activity                `json:"activities"`
	Progress   map[string]store.ProgressRecord `json:"progress"`
	Units      map[string]store.UnitCount      `json:"units"`
}

// Entry is one commit in the journal.
type Entry struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

func (s *Service) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(s.dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open journal repo: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	repo, err = git.PlainInit(s.dir, false)
	if err != nil {
		return nil, fmt.Errorf("init journal repo: %w", err)
	}
	return repo, nil
}

// Record commits the given state. author may be empty for local-only
// deployments. Returns the commit hash.
func (s *Service) Record(state State, author, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return "", fmt.Errorf("git add snapshot: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return "", fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		// Nothing changed since the last commit.
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("read HEAD: %w", err)
		}
		return head.Hash().String(), nil
	}

	if author == "" {
		author = "worksite"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: author,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	return hash.String(), nil
}

// History lists the most recent journal entries, newest first.
func (s *Service) History(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var entries []Entry
	err = iter.ForEach(func(c *object.Commit) error {
		entries = append(entries, Entry{
			Hash:    c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
		if limit > 0 && len(entries) >= limit {
			return errStopIter
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	return entries, nil
}

// At returns the state committed under hash.
func (s *Service) At(hash string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return State{}, fmt.Errorf("open journal repo: %w", err)
	}
	commit, err := repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return State{}, fmt.Errorf("read commit: %w", err)
	}
	file, err := commit.File(snapshotFile)
	if err != nil {
		return State{}, fmt.Errorf("read snapshot file: %w", err)
	}
	content, err := file.Contents()
	if err != nil {
		return State{}, fmt.Errorf("read snapshot contents: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(content), &state); err != nil {
		return State{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return state, nil
}

var errStopIter = errors.New("stop iteration")
