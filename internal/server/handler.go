package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/sync"
	"github.com/mdreader/mdsync/internal/version"
)

const (
	// Maximum allowed timestamp age for change notifications.
	maxTimestampAge = 5 * time.Minute

	// Change notifications are small JSON documents.
	maxEventSize = 64 << 10

	signatureHeader = "X-Mdsync-Signature"
	timestampHeader = "X-Mdsync-Timestamp"
)

// Event kinds sent by the cloud backend.
const (
	EventDocumentUpdated  = "document.updated"
	EventDocumentDeleted  = "document.deleted"
	EventWorkspaceUpdated = "workspace.updated"
)

// Event is a change notification sent by the cloud backend.
type Event struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	DocumentID  string `json:"document_id,omitempty"`
	// UserID is the user whose edit caused the event.
	UserID string `json:"user_id,omitempty"`
}

// Worker is the background sync worker.
type Worker interface {
	Notify()
	NotifyRemoteChange()
}

// StatusSource reports the sync state of the local store.
type StatusSource interface {
	Status(ctx context.Context) (sync.StatusReport, error)
}

// Handler serves the control endpoints.
type Handler struct {
	worker  Worker
	status  StatusSource
	session func() model.SyncContext
	secret  string
	logger  *slog.Logger
}

// NewHandler creates a handler. session returns the signed-in user, whose own edits are
// not pulled back.
func NewHandler(worker Worker, status StatusSource, session func() model.SyncContext, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		worker:  worker,
		status:  status,
		session: session,
		secret:  secret,
		logger:  logger,
	}
}

// HandleWebhook receives change notifications from the cloud backend.
func (h *Handler) HandleWebhook(writer http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if req.Method != http.MethodPost {
		h.logger.WarnContext(ctx, "invalid method", "method", req.Method)
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.verifySignature(req) {
		h.logger.WarnContext(ctx, "invalid webhook signature")
		http.Error(writer, "Invalid signature", http.StatusUnauthorized)
		return
	}

	rawJSON, err := io.ReadAll(io.LimitReader(req.Body, maxEventSize))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read webhook payload", "error", err)
		http.Error(writer, "Invalid payload", http.StatusBadRequest)
		return
	}

	var event Event
	if err := json.Unmarshal(rawJSON, &event); err != nil {
		h.logger.ErrorContext(ctx, "failed to decode webhook", "error", err)
		http.Error(writer, "Invalid payload", http.StatusBadRequest)
		return
	}

	h.logger.InfoContext(ctx, "received change notification",
		"event_type", event.Type,
		"workspace_id", event.WorkspaceID,
		"document_id", event.DocumentID)

	switch {
	case !isKnownEvent(event.Type):
		h.logger.DebugContext(ctx, "ignoring unknown event type", "event_type", event.Type)
	case h.ownEdit(event):
		h.logger.DebugContext(ctx, "ignoring own edit", "document_id", event.DocumentID)
	default:
		h.worker.NotifyRemoteChange()
	}

	writer.WriteHeader(http.StatusOK)
}

// HandleSync triggers a background sync.
func (h *Handler) HandleSync(writer http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.worker.Notify()
	h.writeJSON(writer, req, http.StatusAccepted, map[string]string{"status": "queued"})
}

// statusResponse is the JSON form of a sync.StatusReport.
type statusResponse struct {
	CloudReady       bool           `json:"cloud_ready"`
	CurrentWorkspace string         `json:"current_workspace,omitempty"`
	Documents        map[string]int `json:"documents"`
	Outbox           int            `json:"outbox"`
	Conflicts        int            `json:"conflicts"`
}

// HandleStatus reports the document counts per sync status.
func (h *Handler) HandleStatus(writer http.ResponseWriter, req *http.Request) {
	report, err := h.status.Status(req.Context())
	if err != nil {
		h.logger.ErrorContext(req.Context(), "failed to compute status", "error", err)
		http.Error(writer, "Status unavailable", http.StatusInternalServerError)
		return
	}

	docs := make(map[string]int, len(report.Documents))
	for status, n := range report.Documents {
		docs[string(status)] = n
	}
	h.writeJSON(writer, req, http.StatusOK, statusResponse{
		CloudReady:       report.CloudReady,
		CurrentWorkspace: report.CurrentWorkspace,
		Documents:        docs,
		Outbox:           report.Outbox,
		Conflicts:        report.Conflicts,
	})
}

// HandleVersion handles the /api/version endpoint.
func (h *Handler) HandleVersion(writer http.ResponseWriter, req *http.Request) {
	h.writeJSON(writer, req, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.GitTime,
	})
}

// HandleHealth handles the /health endpoint for health checks.
func (h *Handler) HandleHealth(writer http.ResponseWriter, req *http.Request) {
	h.writeJSON(writer, req, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(writer http.ResponseWriter, req *http.Request, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		h.logger.ErrorContext(req.Context(), "failed to encode response", "path", req.URL.Path, "error", err)
	}
}

// verifySignature verifies the webhook signature using HMAC-SHA256 over timestamp + body.
// If no secret is configured, signature verification is skipped.
func (h *Handler) verifySignature(req *http.Request) bool {
	if h.secret == "" {
		return true
	}

	signature := strings.TrimPrefix(req.Header.Get(signatureHeader), "sha256=")
	timestamp := req.Header.Get(timestampHeader)

	if signature == "" || timestamp == "" {
		h.logger.Debug("missing signature or timestamp headers")
		return false
	}

	if !h.validateTimestamp(timestamp) {
		h.logger.Debug("timestamp validation failed", "timestamp", timestamp)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxEventSize))
	if err != nil {
		h.logger.Debug("failed to read body", "error", err)
		return false
	}
	req.Body = io.NopCloser(bytes.NewBuffer(body))

	return hmac.Equal([]byte(signature), []byte(Sign(h.secret, timestamp, body)))
}

// validateTimestamp checks if the timestamp is within the allowed window.
func (h *Handler) validateTimestamp(timestamp string) bool {
	timestampValue, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	age := time.Since(time.Unix(timestampValue, 0))
	return age < maxTimestampAge && age > -maxTimestampAge
}

// ownEdit reports whether the event was caused by the signed-in user of this process.
func (h *Handler) ownEdit(event Event) bool {
	if h.session == nil || event.UserID == "" {
		return false
	}
	sc := h.session()
	return sc.Authenticated && sc.UserID == event.UserID
}

// Sign returns the hex HMAC-SHA256 signature of a notification.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func isKnownEvent(kind string) bool {
	switch kind {
	case EventDocumentUpdated, EventDocumentDeleted, EventWorkspaceUpdated:
		return true
	default:
		return false
	}
}
