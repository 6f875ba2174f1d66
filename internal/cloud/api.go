package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// maxPageSize is the largest page the backend serves.
	maxPageSize = 100
	// maxPages bounds pagination against a backend that always reports more.
	maxPages = 1000
	// maxBatchSize is the largest batch the backend accepts.
	maxBatchSize = 100
)

// User is the authenticated account.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

// Workspace is the backend representation of a workspace.
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug,omitempty"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	IsPublic    bool      `json:"is_public"`
	OwnerID     string    `json:"owner_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Document is the backend representation of a document. List endpoints leave Content
// and YjsStateB64 empty.
type Document struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Slug        string    `json:"slug,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	WorkspaceID string    `json:"workspace_id"`
	FolderID    string    `json:"folder_id,omitempty"`
	Tags        []string  `json:"tags"`
	IsStarred   bool      `json:"is_starred"`
	StorageMode string    `json:"storage_mode,omitempty"`
	Version     int64     `json:"version"`
	YjsVersion  int64     `json:"yjs_version"`
	YjsStateB64 string    `json:"yjs_state_b64,omitempty"`
	WordCount   int       `json:"word_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type page[T any] struct {
	Items    []T  `json:"items"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

// CreateWorkspaceRequest creates a workspace. ID is the client generated id.
type CreateWorkspaceRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// UpdateWorkspaceRequest changes the non-nil fields of a workspace.
type UpdateWorkspaceRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Icon        *string `json:"icon,omitempty"`
}

// CreateDocumentRequest creates a document. The backend upserts on ID.
type CreateDocumentRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	FolderID    string   `json:"folder_id,omitempty"`
	Tags        []string `json:"tags"`
	StorageMode string   `json:"storage_mode"`
	YjsStateB64 string   `json:"yjs_state_b64,omitempty"`
}

// UpdateDocumentRequest changes the non-nil fields of a document. A set
// ExpectedYjsVersion makes the backend reject the write with 409 when its copy moved on.
type UpdateDocumentRequest struct {
	Title              *string   `json:"title,omitempty"`
	Content            *string   `json:"content,omitempty"`
	FolderID           *string   `json:"folder_id,omitempty"`
	Tags               *[]string `json:"tags,omitempty"`
	YjsStateB64        *string   `json:"yjs_state_b64,omitempty"`
	ExpectedYjsVersion *int64    `json:"expected_yjs_version,omitempty"`
}

// BatchOperation is one write of a batch request. Data is a CreateDocumentRequest for
// creates and an UpdateDocumentRequest for updates.
type BatchOperation struct {
	Operation       string `json:"operation"`
	ClientID        string `json:"client_id"`
	DocumentID      string `json:"document_id,omitempty"`
	Data            any    `json:"data"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// BatchRequest writes many documents of one workspace. It holds at most maxBatchSize
// operations.
type BatchRequest struct {
	WorkspaceID string           `json:"workspace_id"`
	Operations  []BatchOperation `json:"operations"`
	Atomic      bool             `json:"atomic"`
}

// BatchOperationResult is the outcome of one operation. Status is success, conflict,
// error or skipped.
type BatchOperationResult struct {
	ClientID   string `json:"client_id"`
	Status     string `json:"status"`
	DocumentID string `json:"document_id,omitempty"`
	Version    int64  `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchResponse answers a BatchRequest. Results are not in request order.
type BatchResponse struct {
	Total            int                    `json:"total"`
	Successful       int                    `json:"successful"`
	Failed           int                    `json:"failed"`
	Results          []BatchOperationResult `json:"results"`
	ProcessingTimeMS float64                `json:"processing_time_ms"`
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, &user); err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &user, nil
}

// ListWorkspaces returns every workspace of the user.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	return paginate(ctx, func(ctx context.Context, pageNum int) (page[Workspace], error) {
		var resp page[Workspace]
		q := url.Values{"page": {strconv.Itoa(pageNum)}, "page_size": {strconv.Itoa(maxPageSize)}}
		err := c.do(ctx, http.MethodGet, "/api/v1/workspaces?"+q.Encode(), nil, &resp)
		return resp, err
	})
}

// GetWorkspace returns one workspace.
func (c *Client) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	if err := c.do(ctx, http.MethodGet, "/api/v1/workspaces/"+url.PathEscape(id), nil, &ws); err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", id, err)
	}
	return &ws, nil
}

// CreateWorkspace creates a workspace.
func (c *Client) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (*Workspace, error) {
	var ws Workspace
	if err := c.do(ctx, http.MethodPost, "/api/v1/workspaces", req, &ws); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &ws, nil
}

// UpdateWorkspace changes a workspace.
func (c *Client) UpdateWorkspace(ctx context.Context, id string, req UpdateWorkspaceRequest) (*Workspace, error) {
	var ws Workspace
	if err := c.do(ctx, http.MethodPatch, "/api/v1/workspaces/"+url.PathEscape(id), req, &ws); err != nil {
		return nil, fmt.Errorf("update workspace %s: %w", id, err)
	}
	return &ws, nil
}

// DeleteWorkspace deletes a workspace and its documents.
func (c *Client) DeleteWorkspace(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/workspaces/"+url.PathEscape(id)+"?cascade=true", nil, nil); err != nil {
		return fmt.Errorf("delete workspace %s: %w", id, err)
	}
	return nil
}

// ListDocuments returns every document of a workspace, without content.
func (c *Client) ListDocuments(ctx context.Context, workspaceID string) ([]Document, error) {
	return paginate(ctx, func(ctx context.Context, pageNum int) (page[Document], error) {
		var resp page[Document]
		q := url.Values{"page": {strconv.Itoa(pageNum)}, "page_size": {strconv.Itoa(maxPageSize)}}
		path := "/api/v1/documents/workspace/" + url.PathEscape(workspaceID) + "?" + q.Encode()
		err := c.do(ctx, http.MethodGet, path, nil, &resp)
		return resp, err
	})
}

// GetDocument returns a document with its content.
func (c *Client) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := c.do(ctx, http.MethodGet, "/api/v1/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

// CreateDocument creates or replaces the document with the request id.
func (c *Client) CreateDocument(ctx context.Context, workspaceID string, req CreateDocumentRequest) (*Document, error) {
	var doc Document
	path := "/api/v1/documents?" + url.Values{"workspace_id": {workspaceID}}.Encode()
	if err := c.do(ctx, http.MethodPost, path, req, &doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return &doc, nil
}

// UpdateDocument changes a document.
func (c *Client) UpdateDocument(ctx context.Context, id string, req UpdateDocumentRequest) (*Document, error) {
	var doc Document
	if err := c.do(ctx, http.MethodPatch, "/api/v1/documents/"+url.PathEscape(id), req, &doc); err != nil {
		return nil, fmt.Errorf("update document %s: %w", id, err)
	}
	return &doc, nil
}

// DeleteDocument deletes a document.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/documents/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// SetStarred stars or unstars a document.
func (c *Client) SetStarred(ctx context.Context, id string, starred bool) error {
	method := http.MethodPost
	if !starred {
		method = http.MethodDelete
	}
	if err := c.do(ctx, method, "/api/v1/documents/"+url.PathEscape(id)+"/star", nil, nil); err != nil {
		return fmt.Errorf("star document %s: %w", id, err)
	}
	return nil
}

// BatchDocuments sends many document writes in one request.
func (c *Client) BatchDocuments(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	var resp BatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents/batch", req, &resp); err != nil {
		return nil, fmt.Errorf("batch documents: %w", err)
	}
	return &resp, nil
}

func paginate[T any](ctx context.Context, fetch func(context.Context, int) (page[T], error)) ([]T, error) {
	var all []T
	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		resp, err := fetch(ctx, pageNum)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Items...)
		if !resp.HasMore || len(resp.Items) == 0 {
			break
		}
	}
	return all, nil
}
