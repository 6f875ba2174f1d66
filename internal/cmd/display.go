package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mdreader/mdsync/internal/crdt"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/sync"
)

const (
	// Time duration constants for relative time formatting.
	hoursPerDay  = 24
	daysPerWeek  = 7
	daysPerMonth = 30

	// shortHashLen is the number of hash characters shown in the history.
	shortHashLen = 8
)

// statusOrder is the display order of sync statuses.
var statusOrder = []model.SyncStatus{
	model.StatusLocal,
	model.StatusPending,
	model.StatusSyncing,
	model.StatusSynced,
	model.StatusConflict,
	model.StatusError,
}

// displayWorkspaces prints the workspace listing, marking the current one.
//
//nolint:forbidigo // CLI user output function
func displayWorkspaces(workspaces []model.Workspace, current string) {
	if len(workspaces) == 0 {
		fmt.Println("No workspaces. Create one with: mdsync workspaces create <name>")
		return
	}

	for _, ws := range workspaces {
		mark := "  "
		if ws.ID == current {
			mark = "* "
		}
		linked := "local only"
		if ws.Linked() {
			linked = "cloud " + ws.CloudID
		}
		fmt.Printf("%s%s - \"%s\" (%s, %s)\n", mark, ws.ID, ws.Name, linked, ws.SyncStatus)
	}
}

//nolint:forbidigo // CLI user output function
func displayWorkspaceCreated(ws model.Workspace) {
	fmt.Printf("Workspace created: %s (%s)\n", ws.ID, ws.Name)
}

// displaySwitchResult reports a workspace switch and whether pending pushes finished first.
//
//nolint:forbidigo // CLI user output function
func displaySwitchResult(res sync.SwitchResult) {
	fmt.Printf("Current workspace: %s (%s)\n", res.Workspace.ID, res.Workspace.Name)
	if res.Flushed {
		fmt.Printf("Pending edits pushed: %d/%d\n", res.Report.Successful, res.Report.Total)
	} else {
		fmt.Println("Pending edits will be pushed in the background")
	}
}

// displayDocuments prints a document listing.
//
//nolint:forbidigo // CLI user output function
func displayDocuments(docs []model.Document) {
	if len(docs) == 0 {
		fmt.Println("No documents")
		return
	}

	for _, d := range docs {
		star := " "
		if d.Starred {
			star = "★"
		}
		fmt.Printf("%s %s - \"%s\" [%s] %s (updated %s)\n",
			star, d.ID, d.Title, d.Type, d.Sync.Status, formatTimeSince(d.UpdatedAt))
	}
}

//nolint:forbidigo // CLI user output function
func displayDocumentCreated(doc model.Document) {
	fmt.Printf("Document created: %s (%s, %s)\n", doc.ID, doc.Title, doc.Sync.Status)
}

// displayDocument prints the metadata of a document and optionally its content.
//
//nolint:forbidigo // CLI user output function
func displayDocument(doc model.Document, content bool) {
	fmt.Printf("ID:          %s\n", doc.ID)
	if id := doc.RemoteID(); id != "" {
		fmt.Printf("Cloud ID:    %s\n", id)
	}
	fmt.Printf("Title:       %s\n", doc.Title)
	fmt.Printf("Type:        %s\n", doc.Type)
	fmt.Printf("Workspace:   %s\n", doc.WorkspaceID)
	fmt.Printf("Starred:     %t\n", doc.Starred)
	if len(doc.Tags) > 0 {
		fmt.Printf("Tags:        %s\n", strings.Join(doc.Tags, ", "))
	}
	fmt.Printf("Words:       %d\n", doc.WordCount())
	fmt.Printf("Status:      %s\n", doc.Sync.Status)
	fmt.Printf("Updated:     %s\n", formatTimeSince(doc.UpdatedAt))
	fmt.Printf("Last synced: %s\n", formatTimeSince(doc.Sync.LastSyncedAt))

	if content {
		fmt.Println()
		fmt.Println(doc.Content)
	}
}

// displayHydration prints how a document was loaded into the editing buffer.
//
//nolint:forbidigo // CLI user output function
func displayHydration(report crdt.Report, doc *crdt.MemoryDoc) {
	fmt.Printf("Document: %s\n", report.DocumentID)
	fmt.Printf("Outcome:  %s\n", report.Outcome)
	fmt.Printf("Blocks:   %d\n", doc.FragmentLen())
	if report.Err != nil {
		fmt.Printf("Warning:  %v\n", report.Err)
	}
	for _, v := range report.Violations {
		fmt.Printf("Violation: %s\n", v)
	}
}

// displayConflicts prints the outstanding conflicts.
//
//nolint:forbidigo // CLI user output function
func displayConflicts(conflicts []model.Conflict) {
	if len(conflicts) == 0 {
		fmt.Println("No conflicts")
		return
	}

	fmt.Printf("Conflicts: %d\n\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("  %s (detected %s)\n", c.DocumentID, formatTimeSince(c.DetectedAt))
		fmt.Printf("    local:  %d chars, edited %s\n", len(c.Local.Content), formatTimeSince(c.Local.UpdatedAt))
		fmt.Printf("    remote: %d chars, edited %s\n", len(c.Remote.Content), formatTimeSince(c.Remote.UpdatedAt))
	}
	fmt.Println("\nResolve with: mdsync conflicts resolve <document_id> <local|remote>")
}

// displayBatchReport prints the outcome of a push run.
//
//nolint:forbidigo // CLI user output function
func displayBatchReport(report sync.BatchReport) {
	if report.Skipped {
		fmt.Println("Push skipped: cloud not reachable")
		return
	}

	fmt.Printf("Pushed: %d/%d (%d failed) in %s\n",
		report.Successful, report.Total, report.Failed, report.Duration.Round(time.Millisecond))
	for _, ws := range report.Workspaces {
		fmt.Printf("  %s: %d/%d\n", ws.WorkspaceID, ws.Successful, ws.Total)
	}
}

// displayPullReport prints the outcome of a pull.
//
//nolint:forbidigo // CLI user output function
func displayPullReport(report sync.PullReport) {
	fmt.Printf("Pulled %s: %d imported, %d updated, %d unchanged, %d conflicts\n",
		report.WorkspaceID, report.Imported, report.Updated, report.Unchanged, report.Conflicts)
}

// displayStatus prints the sync status overview.
//
//nolint:forbidigo // CLI user output function
func displayStatus(report sync.StatusReport, sc model.SyncContext) {
	fmt.Println("mdsync status")
	fmt.Println()

	switch {
	case !sc.Authenticated:
		fmt.Println("Session: guest (documents stay local)")
	case report.CloudReady:
		fmt.Printf("Session: signed in as %s, cloud reachable\n", sc.UserID)
	default:
		fmt.Printf("Session: signed in as %s, cloud unreachable\n", sc.UserID)
	}

	if report.CurrentWorkspace != "" {
		fmt.Printf("Current workspace: %s\n", report.CurrentWorkspace)
	} else {
		fmt.Println("Current workspace: none")
	}

	total := 0
	for _, n := range report.Documents {
		total += n
	}
	fmt.Printf("Documents: %d\n", total)
	for _, status := range sortedStatuses(report.Documents) {
		fmt.Printf("  %-9s %d\n", status, report.Documents[status])
	}

	fmt.Printf("Queued deletions: %d\n", report.Outbox)
	fmt.Printf("Conflicts: %d\n", report.Conflicts)
}

// displayHistory prints local commits, newest first.
//
//nolint:forbidigo // CLI user output function
func displayHistory(commits []store.Commit) {
	if len(commits) == 0 {
		fmt.Println("No history")
		return
	}

	for _, c := range commits {
		hash := c.Hash
		if len(hash) > shortHashLen {
			hash = hash[:shortHashLen]
		}
		fmt.Printf("%s %s (%s, %s)\n", hash, firstLine(c.Message), c.Author, formatTimeSince(c.When))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// sortedStatuses returns the statuses of a status count in display order.
func sortedStatuses(counts map[model.SyncStatus]int) []model.SyncStatus {
	out := make([]model.SyncStatus, 0, len(counts))
	for s := range counts {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b model.SyncStatus) int {
		return slices.Index(statusOrder, a) - slices.Index(statusOrder, b)
	})
	return out
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case duration < hoursPerDay*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case duration < daysPerWeek*hoursPerDay*time.Hour:
		days := int(duration.Hours() / hoursPerDay)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	case duration < daysPerMonth*hoursPerDay*time.Hour:
		weeks := int(duration.Hours() / hoursPerDay / daysPerWeek)
		if weeks == 1 {
			return "1 week ago"
		}
		return fmt.Sprintf("%d weeks ago", weeks)
	default:
		months := int(duration.Hours() / hoursPerDay / daysPerMonth)
		if months == 1 {
			return "1 month ago"
		}
		return fmt.Sprintf("%d months ago", months)
	}
}
