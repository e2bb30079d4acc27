package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ent0n29/pastexam/internal/protocol"
)

// DefaultTemperature is applied when a submission leaves temperature unset.
const DefaultTemperature = 0.7

// SubmitGeneration enqueues one mock-exam generation job.
func (c *Client) SubmitGeneration(ctx context.Context, req protocol.SubmitRequest) (protocol.SubmitResponse, error) {
	if req.Temperature == nil || *req.Temperature <= 0 {
		t := DefaultTemperature
		req.Temperature = &t
	}
	req.Prompt = strings.TrimSpace(req.Prompt)

	r, err := c.jsonRequest("submit_generation", http.MethodPost, "/ai-exam/generate", req)
	if err != nil {
		return protocol.SubmitResponse{}, err
	}
	var out protocol.SubmitResponse
	if err := c.do(ctx, r, &out); err != nil {
		return protocol.SubmitResponse{}, err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return protocol.SubmitResponse{}, errors.New("submit_generation: response has no task_id")
	}
	return out, nil
}

// DeleteTask cancels a server-side job. It is independent of any open channel.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	r := request{op: "delete_task", method: http.MethodDelete, path: "/ai-exam/task/" + url.PathEscape(taskID)}
	return c.do(ctx, r, nil)
}

func (c *Client) APIKeyStatus(ctx context.Context) (protocol.APIKeyStatus, error) {
	var out protocol.APIKeyStatus
	err := c.do(ctx, request{op: "api_key_status", method: http.MethodGet, path: "/ai-exam/api-key"}, &out)
	return out, err
}

// UpdateAPIKey stores the user's generation key. An empty key removes it.
func (c *Client) UpdateAPIKey(ctx context.Context, key string) (protocol.APIKeyStatus, error) {
	body := struct {
		GeminiAPIKey *string `json:"gemini_api_key"`
	}{}
	if k := strings.TrimSpace(key); k != "" {
		body.GeminiAPIKey = &k
	}
	r, err := c.jsonRequest("update_api_key", http.MethodPut, "/ai-exam/api-key", body)
	if err != nil {
		return protocol.APIKeyStatus{}, err
	}
	var out protocol.APIKeyStatus
	err = c.do(ctx, r, &out)
	return out, err
}

type ListMessagesOptions struct {
	Limit    int
	BeforeID int64
}

func (c *Client) ListDiscussionMessages(ctx context.Context, courseID, archiveID int64, opts ListMessagesOptions) ([]protocol.DiscussionMessage, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(opts.Limit))
	if opts.BeforeID > 0 {
		q.Set("before_id", strconv.FormatInt(opts.BeforeID, 10))
	}
	r := request{
		op:     "list_discussion_messages",
		method: http.MethodGet,
		path:   discussionBase(courseID, archiveID) + "/messages",
		query:  q,
	}
	var out []protocol.DiscussionMessage
	if err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteDiscussionMessage(ctx context.Context, courseID, archiveID, messageID int64) error {
	r := request{
		op:     "delete_discussion_message",
		method: http.MethodDelete,
		path:   discussionBase(courseID, archiveID) + "/" + strconv.FormatInt(messageID, 10),
	}
	return c.do(ctx, r, nil)
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges a password for a bearer token. A 401 here is reported as
// invalid credentials and never as an expired session.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	r := request{
		op:          "login",
		method:      http.MethodPost,
		path:        loginPath,
		body:        strings.NewReader(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
	}
	var out LoginResponse
	if err := c.do(ctx, r, &out); err != nil {
		return LoginResponse{}, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return LoginResponse{}, errors.New("login: response has no access_token")
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, request{op: "logout", method: http.MethodPost, path: logoutPath}, nil)
}

func discussionBase(courseID, archiveID int64) string {
	return "/courses/" + strconv.FormatInt(courseID, 10) + "/archives/" + strconv.FormatInt(archiveID, 10) + "/discussion"
}
