package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/mdreader/mdsync/internal/apperrors"
)

const (
	backupRemote = "backup"

	// DefaultBackupBranch is the remote branch the history is pushed to.
	DefaultBackupBranch = "main"
)

// Backup describes a git remote that receives a copy of the local history.
type Backup struct {
	URL      string // Remote repository URL or path (MDS_BACKUP_URL)
	Password string // Password or token for HTTPS auth (MDS_BACKUP_PASSWORD)
	Branch   string // Target branch (MDS_BACKUP_BRANCH)
}

// Enabled reports whether a backup remote is configured.
func (b Backup) Enabled() bool {
	return b.URL != ""
}

// IsSSH returns true if the URL is an SSH URL.
func (b Backup) IsSSH() bool {
	return strings.HasPrefix(b.URL, "git@") || strings.HasPrefix(b.URL, "ssh://")
}

// Auth returns the authentication method for the remote URL. SSH goes through the agent,
// HTTPS uses the password as a token when set. Local paths need none.
func (b Backup) Auth() (transport.AuthMethod, error) {
	if b.IsSSH() {
		auth, err := ssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil, fmt.Errorf("create SSH agent auth: %w", err)
		}
		return auth, nil
	}
	if b.Password == "" {
		return nil, nil //nolint:nilnil // no auth is a valid answer
	}
	return &http.BasicAuth{
		Username: "oauth2",
		Password: b.Password,
	}, nil
}

func (b Backup) branch() string {
	if b.Branch == "" {
		return DefaultBackupBranch
	}
	return b.Branch
}

// PushBackup pushes the local history to the backup remote. Nothing to push is not an error.
func (s *LocalStore) PushBackup(ctx context.Context, b Backup) error {
	if !b.Enabled() {
		return fmt.Errorf("%w: no backup URL", apperrors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.repo.Head()
	if err != nil {
		s.logger.InfoContext(ctx, "nothing to back up yet")
		return nil //nolint:nilerr // an empty history has nothing to push
	}

	if err := s.ensureRemote(b.URL); err != nil {
		return err
	}
	auth, err := b.Auth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	refSpec := config.RefSpec(fmt.Sprintf("%s:%s", head.Name(), plumbing.NewBranchReferenceName(b.branch())))
	s.logger.InfoContext(ctx, "pushing backup", "url", b.URL, "branch", b.branch())

	err = s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: backupRemote,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       auth,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			s.logger.InfoContext(ctx, "backup already up to date")
			return nil
		}
		return fmt.Errorf("push backup: %w", err)
	}

	s.logger.InfoContext(ctx, "backup complete", "head", head.Hash().String()[:7])
	return nil
}

// ensureRemote points the backup remote at url. Called with s.mu held.
func (s *LocalStore) ensureRemote(url string) error {
	remote, err := s.repo.Remote(backupRemote)
	switch {
	case errors.Is(err, git.ErrRemoteNotFound):
	case err != nil:
		return fmt.Errorf("get remote: %w", err)
	case len(remote.Config().URLs) == 1 && remote.Config().URLs[0] == url:
		return nil
	default:
		if err := s.repo.DeleteRemote(backupRemote); err != nil {
			return fmt.Errorf("delete remote: %w", err)
		}
	}

	if _, err := s.repo.CreateRemote(&config.RemoteConfig{
		Name: backupRemote,
		URLs: []string{url},
	}); err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	return nil
}

// TestConnection tests the connection to the backup remote.
func (b Backup) TestConnection(ctx context.Context) error {
	if !b.Enabled() {
		return fmt.Errorf("%w: no backup URL", apperrors.ErrInvalidInput)
	}

	auth, err := b.Auth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	// Listing the remote references is enough to verify connectivity.
	rem := git.NewRemote(nil, &config.RemoteConfig{
		Name: backupRemote,
		URLs: []string{b.URL},
	})

	_, err = rem.ListContext(ctx, &git.ListOptions{
		Auth: auth,
	})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil
		}
		return fmt.Errorf("list remote: %w", err)
	}

	return nil
}
