// Package remote is the transport adapter for the platform's chat API: a
// REST client for intents and queries plus a websocket listener for
// out-of-band push events. Credentials are injected per client; there is
// no process-wide session singleton, and an expired credential is
// returned as a typed error instead of triggering navigation side
// effects in the data layer.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/huddleapp/huddle/internal/model"
	"go.uber.org/zap"
)

// Session carries the authenticated identity for one client instance.
type Session struct {
	UserID string
	Token  string
}

// Client talks to the chat REST API.
type Client struct {
	baseURL string
	http    *http.Client
	session Session
	logger  *zap.Logger
}

// NewClient creates a REST client for the given server and session.
func NewClient(baseURL string, session Session, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		session: session,
		logger:  logger,
	}
}

// Session returns the session this client authenticates as.
func (c *Client) Session() Session {
	return c.session
}

// FetchConversations returns the caller's conversation list.
func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages returns one page of a conversation's history, newest
// first, consistently per call.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	var out MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchUser looks up an identity record.
func (c *Client) FetchUser(ctx context.Context, userID string) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage submits a message; the server assigns the authoritative id.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var out Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, newContent string) (*Message, error) {
	body := map[string]string{"content": newContent}
	var out Message
	if err := c.do(ctx, http.MethodPatch, "/api/chat/messages/"+url.PathEscape(messageID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage deletes a message in the given scope.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, scope model.DeleteScope) error {
	path := "/api/chat/messages/" + url.PathEscape(messageID) + "?scope=" + url.QueryEscape(string(scope))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// MarkRead acknowledges reading a message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// CreateGroup creates a group conversation.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/api/chat/groups", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddGroupMembers adds users to a group.
func (c *Client) AddGroupMembers(ctx context.Context, groupID string, userIDs []string) (*Conversation, error) {
	body := map[string][]string{"userIds": userIDs}
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/api/chat/groups/"+url.PathEscape(groupID)+"/members", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveGroupMember removes a user from a group.
func (c *Client) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	path := "/api/chat/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// PromoteToAdmin grants admin to a group member.
func (c *Client) PromoteToAdmin(ctx context.Context, groupID, userID string) error {
	path := "/api/chat/groups/" + url.PathEscape(groupID) + "/admins/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// LeaveGroup removes the caller from a group.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/groups/"+url.PathEscape(groupID)+"/leave", nil, nil)
}

// DeleteGroup deletes a group. Creator only, enforced server-side too.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chat/groups/"+url.PathEscape(groupID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, model.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp.StatusCode); err != nil {
		// Drain for connection reuse; the body of an error response is
		// not part of the contract.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps an HTTP status to the intent error taxonomy.
func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return &model.AuthError{Status: status}
	case status == http.StatusForbidden:
		return model.ErrNotAuthorized
	case status == http.StatusNotFound:
		return model.ErrNotFound
	case status == http.StatusConflict:
		return model.ErrConflict
	case status == http.StatusUnprocessableEntity:
		return model.ErrInvalidOperation
	default:
		return model.ErrTransient
	}
}
