// Package upstream talks to the chronicle API: identity and document access
// checks, plus the internal sync endpoints for state, session log, presence
// and session-ended notifications.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/rbac"
)

const syncTokenHeader = "x-chronicle-sync-token"

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chronicle api returned %d", e.Status)
	}
	return fmt.Sprintf("chronicle api returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Client implements collab.IdentityService, collab.DocumentStore,
// collab.AuditLog, collab.PresenceDirectory and collab.SessionNotifier.
type Client struct {
	baseURL   string
	syncToken string
	http      *http.Client
}

func New(baseURL, syncToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		syncToken: syncToken,
		http:      &http.Client{Timeout: timeout},
	}
}

type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	Role          string `json:"role"`
}

// Resolve checks the token against /api/session, then asks for the document
// with the same token: any 2xx means the principal can read it. Write access
// follows the principal's role.
func (c *Client) Resolve(ctx context.Context, token, documentID string) (collab.Principal, rbac.Access, error) {
	var session sessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/session", token, false, nil, &session); err != nil {
		return collab.Principal{}, rbac.Access{}, err
	}
	if !session.Authenticated || session.UserID == "" {
		return collab.Principal{}, rbac.Access{}, collab.ErrInvalidCredential
	}
	principal := collab.Principal{UserID: session.UserID, DisplayName: session.UserName, Role: session.Role}

	err := c.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(documentID), token, false, nil, nil)
	var statusErr *StatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && (statusErr.Status == http.StatusForbidden || statusErr.Status == http.StatusNotFound):
		return principal, rbac.Access{}, nil
	default:
		return collab.Principal{}, rbac.Access{}, err
	}

	access := rbac.Access{Read: true}
	if role, ok := rbac.Parse(session.Role); ok {
		access.Write = rbac.Can(role, rbac.ActionWrite)
	}
	return principal, access, nil
}

type stateResponse struct {
	Found bool   `json:"found"`
	State []byte `json:"state"`
}

func (c *Client) FetchState(ctx context.Context, documentID, token string) ([]byte, bool, error) {
	var body stateResponse
	err := c.do(ctx, http.MethodGet, statePath(documentID), token, true, nil, &body)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body.State, body.Found, nil
}

type editorPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type persistRequest struct {
	Text       string        `json:"text"`
	State      []byte        `json:"state"`
	LastEditor editorPayload `json:"lastEditor"`
}

func (c *Client) PersistState(ctx context.Context, documentID, token string, record collab.StateRecord) error {
	return c.do(ctx, http.MethodPut, statePath(documentID), token, true, persistRequest{
		Text:       record.Text,
		State:      record.State,
		LastEditor: editorPayload{UserID: record.LastEditor.UserID, UserName: record.LastEditor.DisplayName},
	}, nil)
}

func (c *Client) RecordSession(ctx context.Context, token string, entry collab.SessionLogEntry) error {
	return c.do(ctx, http.MethodPost, "/api/internal/sync/session-log", token, true, entry, nil)
}

type presenceRequest struct {
	UserID         string                 `json:"userId"`
	CursorPosition int                    `json:"cursorPosition"`
	SelectionRange *collab.SelectionRange `json:"selectionRange"`
}

func (c *Client) SavePresence(ctx context.Context, documentID, userID, token string, p collab.Presence) error {
	path := "/api/internal/sync/documents/" + url.PathEscape(documentID) + "/presence"
	return c.do(ctx, http.MethodPut, path, token, true, presenceRequest{
		UserID:         userID,
		CursorPosition: p.CursorPosition,
		SelectionRange: p.SelectionRange,
	}, nil)
}

func (c *Client) SessionEnded(ctx context.Context, token string, summary collab.SessionSummary) error {
	return c.do(ctx, http.MethodPost, "/api/internal/sync/session-ended", token, true, summary, nil)
}

// Ping checks that the API answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", "", false, nil, nil)
}

func statePath(documentID string) string {
	return "/api/internal/sync/documents/" + url.PathEscape(documentID) + "/state"
}

func (c *Client) do(ctx context.Context, method, path, token string, internal bool, payload, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if internal {
		req.Header.Set(syncTokenHeader, c.syncToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Status: resp.StatusCode}
		var envelope struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&envelope); err == nil {
			statusErr.Code, statusErr.Message = envelope.Code, envelope.Error
		}
		return statusErr
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
