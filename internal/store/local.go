package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/mdreader/mdsync/internal/apperrors"
)

const (
	// File and directory permissions.
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------

	// stateDir holds engine bookkeeping kept out of the history.
	stateDir = ".mdsync"

	defaultAuthorName  = "mdsync"
	defaultAuthorEmail = "mdsync@localhost"
)

// LocalStore implements Store using the local filesystem, with every transaction
// recorded as a git commit.
type LocalStore struct {
	rootPath    string
	repo        *git.Repository
	mu          sync.RWMutex
	logger      *slog.Logger
	authorName  string
	authorEmail string
}

// LocalStoreOption configures LocalStore.
type LocalStoreOption func(*LocalStore)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) LocalStoreOption {
	return func(s *LocalStore) {
		s.logger = l
	}
}

// WithAuthor sets the identity recorded on commits.
func WithAuthor(name, email string) LocalStoreOption {
	return func(s *LocalStore) {
		if name != "" {
			s.authorName = name
		}
		if email != "" {
			s.authorEmail = email
		}
	}
}

// NewLocalStore opens the store at path, creating the directory and repository if needed.
func NewLocalStore(path string, opts ...LocalStoreOption) (*LocalStore, error) {
	store := &LocalStore{
		rootPath:    path,
		logger:      slog.Default(),
		authorName:  defaultAuthorName,
		authorEmail: defaultAuthorEmail,
	}

	for _, opt := range opts {
		opt(store)
	}

	repo, err := openOrCreateRepo(path)
	if err != nil {
		return nil, err
	}

	store.repo = repo
	return store, nil
}

// Root returns the directory the store lives in.
func (s *LocalStore) Root() string {
	return s.rootPath
}

// Read reads a file from the store.
func (s *LocalStore) Read(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.DebugContext(ctx, "reading file", "path", path)

	data, err := os.ReadFile(s.fullPath(path)) //nolint:gosec // path is application controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read file %s: %w", path, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return data, nil
}

// Exists checks if a file exists.
func (s *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.fullPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	s.logger.DebugContext(ctx, "exists check failed", "path", path, "error", err)
	return false, err
}

// List lists files in a directory. A missing directory lists as empty.
func (s *LocalStore) List(ctx context.Context, dir string) ([]FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.fullPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Path:    filepath.Join(dir, entry.Name()),
			IsDir:   entry.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	s.logger.DebugContext(ctx, "list directory complete", "dir", dir, "count", len(files))
	return files, nil
}

// Write atomically replaces a file without committing it.
func (s *LocalStore) Write(ctx context.Context, path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.DebugContext(ctx, "writing file", "path", path, "size", len(content))

	fullPath := s.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), dirPerm); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := writeFileAtomic(fullPath, content, filePerm); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}

// Delete deletes a file without committing it. Deleting a missing file is not an error.
func (s *LocalStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.DebugContext(ctx, "deleting file", "path", path)

	if err := os.Remove(s.fullPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	return nil
}

// BeginTx starts a new transaction.
func (s *LocalStore) BeginTx(_ context.Context) (Transaction, error) {
	return &localTransaction{store: s}, nil
}

// Commit is one entry of the store history.
type Commit struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

// History returns up to limit commits, newest first. A repository without commits has
// an empty history.
func (s *LocalStore) History(ctx context.Context, limit int) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head, err := s.repo.Head()
	if err != nil {
		s.logger.DebugContext(ctx, "no head yet", "error", err)
		return nil, nil
	}

	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	defer iter.Close()

	var commits []Commit
	for limit <= 0 || len(commits) < limit {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("git log: %w", err)
		}
		commits = append(commits, Commit{
			Hash:    c.Hash.String()[:7],
			Message: strings.TrimSpace(c.Message),
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
	}
	return commits, nil
}

func (s *LocalStore) fullPath(path string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(path))
}

// localTransaction implements Transaction.
type localTransaction struct {
	store     *LocalStore
	changes   []change
	mu        sync.Mutex
	committed bool
}

type changeKind int

const (
	changeWrite changeKind = iota
	changeDelete
	changeDeleteDir
)

type change struct {
	kind    changeKind
	path    string
	content []byte
}

// Write stages a file write.
func (t *localTransaction) Write(path string, content []byte) error {
	return t.stage(change{kind: changeWrite, path: path, content: content})
}

// Delete stages a file deletion.
func (t *localTransaction) Delete(path string) error {
	return t.stage(change{kind: changeDelete, path: path})
}

// DeleteDir stages the removal of a directory and everything below it.
func (t *localTransaction) DeleteDir(path string) error {
	return t.stage(change{kind: changeDeleteDir, path: path})
}

func (t *localTransaction) stage(c change) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return apperrors.ErrTransactionCommitted
	}
	t.changes = append(t.changes, c)
	return nil
}

// Commit applies all changes and creates a git commit.
func (t *localTransaction) Commit(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return apperrors.ErrTransactionCommitted
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	worktree, err := t.store.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	var undo []backup
	for i := range t.changes {
		saved, err := t.backupChange(&t.changes[i])
		if err != nil {
			return errors.Join(err, restore(undo))
		}
		undo = append(undo, saved...)
		if applyErr := t.applyChange(&t.changes[i]); applyErr != nil {
			return errors.Join(applyErr, restore(undo))
		}
	}

	// Stage everything, including files written outside a transaction (git add -A).
	if addErr := worktree.AddWithOptions(&git.AddOptions{All: true}); addErr != nil {
		return fmt.Errorf("git add: %w", addErr)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	hasChanges := false
	for _, s := range status {
		if s.Staging != git.Unmodified && s.Staging != git.Untracked {
			hasChanges = true
			break
		}
	}

	if !hasChanges {
		t.committed = true
		return nil
	}

	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  t.store.authorName,
			Email: t.store.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	t.committed = true
	return nil
}

// Rollback discards all pending changes.
func (t *localTransaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.changes = nil
	t.committed = true
	return nil
}

// backup is the state of one file before a transaction touched it.
type backup struct {
	path    string
	content []byte
	existed bool
	mode    os.FileMode
}

// backupChange records the files a change is about to overwrite or remove.
func (t *localTransaction) backupChange(c *change) ([]backup, error) {
	fullPath := t.store.fullPath(c.path)
	if c.kind != changeDeleteDir {
		b, err := backupFile(fullPath)
		if err != nil {
			return nil, err
		}
		return []backup{b}, nil
	}

	var saved []backup
	err := filepath.WalkDir(fullPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		b, err := backupFile(p)
		if err != nil {
			return err
		}
		saved = append(saved, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("back up %s: %w", c.path, err)
	}
	return saved, nil
}

func backupFile(fullPath string) (backup, error) {
	info, err := os.Stat(fullPath)
	if os.IsNotExist(err) {
		return backup{path: fullPath}, nil
	}
	if err != nil {
		return backup{}, fmt.Errorf("stat %s: %w", fullPath, err)
	}
	if info.IsDir() {
		// A write onto a directory fails without touching it.
		return backup{path: fullPath, existed: true, mode: info.Mode()}, nil
	}
	data, err := os.ReadFile(fullPath) //nolint:gosec // path is application controlled
	if err != nil {
		return backup{}, fmt.Errorf("back up %s: %w", fullPath, err)
	}
	return backup{path: fullPath, content: data, existed: true, mode: info.Mode().Perm()}, nil
}

// restore puts the working tree back as it was before the first change of a failed
// commit, latest change first.
func restore(undo []backup) error {
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		b := undo[i]
		if b.mode.IsDir() {
			continue
		}
		if !b.existed {
			if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(b.path), dirPerm); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := writeFileAtomic(b.path, b.content, b.mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyChange applies a single change to the working tree. Staging happens in Commit.
func (t *localTransaction) applyChange(c *change) error {
	fullPath := t.store.fullPath(c.path)

	switch c.kind {
	case changeDelete:
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", c.path, err)
		}
	case changeDeleteDir:
		if err := os.RemoveAll(fullPath); err != nil {
			return fmt.Errorf("delete dir %s: %w", c.path, err)
		}
	default:
		if err := os.MkdirAll(filepath.Dir(fullPath), dirPerm); err != nil {
			return fmt.Errorf("mkdir for %s: %w", c.path, err)
		}
		if err := writeFileAtomic(fullPath, c.content, filePerm); err != nil {
			return fmt.Errorf("write %s: %w", c.path, err)
		}
	}
	return nil
}

// openOrCreateRepo opens an existing repository or creates a new one.
func openOrCreateRepo(path string) (*git.Repository, error) {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open git repo: %w", err)
	}

	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}

	// Engine state (outbox, active workspace) changes too often to be worth a commit.
	ignore := filepath.Join(path, ".gitignore")
	if _, statErr := os.Stat(ignore); os.IsNotExist(statErr) {
		if err := writeFileAtomic(ignore, []byte(stateDir+"/\n"), filePerm); err != nil {
			return nil, fmt.Errorf("write .gitignore: %w", err)
		}
	}
	return repo, nil
}

// writeFileAtomic writes through a temporary file in the same directory and renames
// it into place, so readers never observe a partially written record.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
