package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/syncstate"
)

const guestEpoch = "guest"

// LoginResult is the outcome of a login.
type LoginResult struct {
	// Skipped is set when the session identity was already initialized.
	Skipped bool
	Batch   BatchReport
	Pulls   []PullReport
}

// epochKey identifies a session: one initialization runs per authenticated user, or once
// for the guest.
func epochKey(sc model.SyncContext) string {
	if !sc.Authenticated {
		return guestEpoch
	}
	return "user:" + sc.UserID
}

// Login initializes the cloud adapter, pushes pending local work and pulls every linked
// workspace. Repeated calls for the same session identity do nothing.
func (e *Engine) Login(ctx context.Context, sc model.SyncContext) (LoginResult, error) {
	e.loginMu.Lock()
	defer e.loginMu.Unlock()

	key := epochKey(sc)
	if key == e.epoch {
		e.logger.DebugContext(ctx, "session already initialized", "epoch", key)
		return LoginResult{Skipped: true}, nil
	}

	e.machine.Bus().Publish(ctx, syncstate.Event{Kind: syncstate.EventAuthLogin, UserID: sc.UserID})

	if !sc.Authenticated {
		e.epoch = key
		return LoginResult{Batch: BatchReport{Skipped: true}}, nil
	}

	if !e.cloud.Ready() {
		if err := e.cloud.Init(ctx); err != nil {
			return LoginResult{}, fmt.Errorf("init cloud: %w", err)
		}
	}
	sc = e.withBackend(sc)

	var res LoginResult
	batch, err := e.coord.Run(ctx, sc)
	if err != nil {
		return LoginResult{}, fmt.Errorf("push local changes: %w", err)
	}
	res.Batch = batch

	workspaces, err := e.local.ListWorkspaces(ctx)
	if err != nil {
		return LoginResult{}, fmt.Errorf("list local workspaces: %w", err)
	}
	for _, ws := range workspaces {
		if !ws.Linked() {
			continue
		}
		pr, err := e.Pull(ctx, sc, ws.ID)
		if err != nil {
			e.logger.WarnContext(ctx, "pull failed", "workspace_id", ws.ID, "error", err)
			continue
		}
		res.Pulls = append(res.Pulls, pr)
	}

	e.epoch = key
	e.logger.InfoContext(ctx, "session initialized",
		"user_id", sc.UserID,
		"pushed", batch.Successful,
		"failed", batch.Failed,
		"workspaces_pulled", len(res.Pulls))
	return res, nil
}

// Logout forgets the session identity so the next Login initializes again.
func (e *Engine) Logout(ctx context.Context) {
	e.loginMu.Lock()
	defer e.loginMu.Unlock()
	e.logger.DebugContext(ctx, "session reset", "epoch", e.epoch)
	e.epoch = ""
}

// SwitchResult is the outcome of a workspace switch.
type SwitchResult struct {
	Workspace model.Workspace
	// Flushed is set when pending pushes completed before the switch.
	Flushed bool
	Report  BatchReport
}

type flushResult struct {
	report BatchReport
	err    error
}

// SwitchWorkspace selects a workspace. Pending pushes are flushed first, but the switch
// waits for them at most the flush timeout; pushes still running carry on afterwards.
// A cloud workspace not stored locally yet is imported.
func (e *Engine) SwitchWorkspace(ctx context.Context, sc model.SyncContext, id string) (SwitchResult, error) {
	var res SwitchResult
	sc = e.withBackend(sc)

	if sc.CanSync() {
		done := make(chan flushResult, 1)
		go func() {
			report, err := e.coord.Run(context.WithoutCancel(ctx), sc)
			done <- flushResult{report: report, err: err}
		}()

		timer := time.NewTimer(e.flushTimeout)
		select {
		case r := <-done:
			timer.Stop()
			if r.err != nil {
				e.logger.WarnContext(ctx, "flush before switch failed", "error", r.err)
			} else {
				res.Flushed = true
				res.Report = r.report
			}
		case <-timer.C:
			e.logger.WarnContext(ctx, "flush before switch timed out, switching anyway", "timeout", e.flushTimeout)
		case <-ctx.Done():
			timer.Stop()
			return SwitchResult{}, ctx.Err()
		}
	}

	ws, err := e.workspace(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) && e.online(sc) {
		ws, err = e.importWorkspace(ctx, id)
	}
	if err != nil {
		return SwitchResult{}, err
	}

	ws, err = e.local.SwitchWorkspace(ctx, ws.ID)
	if err != nil {
		return SwitchResult{}, err
	}
	if ws.Linked() && e.online(sc) {
		if _, err := e.cloud.SwitchWorkspace(ctx, ws.CloudID); err != nil {
			e.logger.DebugContext(ctx, "cloud workspace selection failed", "workspace_id", ws.ID, "error", err)
		}
	}
	res.Workspace = ws

	e.machine.Bus().Publish(ctx, syncstate.Event{
		Kind:        syncstate.EventWorkspaceSwitched,
		UserID:      sc.UserID,
		WorkspaceID: ws.ID,
	})
	return res, nil
}

// importWorkspace stores a cloud workspace locally under its cloud id.
func (e *Engine) importWorkspace(ctx context.Context, id string) (model.Workspace, error) {
	remote, err := e.cloud.SwitchWorkspace(ctx, id)
	if err != nil {
		return model.Workspace{}, err
	}

	ws := remote
	ws.ID = remote.ID
	ws.CloudID = remote.ID
	ws.SyncStatus = model.StatusSynced
	if ws.Version == 0 {
		ws.Version = 1
	}
	if err := e.local.PutWorkspace(ctx, ws); err != nil {
		return model.Workspace{}, fmt.Errorf("import workspace: %w", err)
	}
	e.logger.InfoContext(ctx, "cloud workspace imported", "workspace_id", ws.ID)
	return ws, nil
}

// StatusReport summarizes the sync state of the local store.
type StatusReport struct {
	CloudReady       bool
	CurrentWorkspace string
	Documents        map[model.SyncStatus]int
	Outbox           int
	Conflicts        int
}

// Status counts the local documents per sync status.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{
		CloudReady: e.cloud.Ready(),
		Documents:  make(map[model.SyncStatus]int),
		Conflicts:  e.registry.Len(),
	}

	if ws, err := e.local.CurrentWorkspace(ctx); err == nil {
		report.CurrentWorkspace = ws.ID
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return StatusReport{}, err
	}

	workspaces, err := e.local.ListWorkspaces(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list local workspaces: %w", err)
	}
	for _, ws := range workspaces {
		docs, err := e.local.ListDocuments(ctx, ws.ID)
		if err != nil {
			return StatusReport{}, fmt.Errorf("list local documents: %w", err)
		}
		for _, d := range docs {
			status := d.Sync.Status
			if tracked, ok := e.machine.Status(d.ID); ok {
				status = tracked
			}
			report.Documents[status]++
		}
	}

	n, err := e.outbox.Len(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("outbox length: %w", err)
	}
	report.Outbox = n
	return report, nil
}
