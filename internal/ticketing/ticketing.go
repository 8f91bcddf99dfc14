// Package ticketing calls the ticketing system's REST API through the
// gateway using the broker's ticketing token.
package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"uwgate/internal/broker"
	"uwgate/internal/client"
	"uwgate/internal/provider"
	"uwgate/pkg/logging"
)

// Requester sends a request with the provider's bearer token attached.
// *broker.Broker satisfies it.
type Requester interface {
	Do(ctx context.Context, p provider.Provider, req *http.Request) (*http.Response, error)
}

// User is a ticketing user record.
type User struct {
	SysID      string `json:"sys_id"`
	UserName   string `json:"user_name"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Title      string `json:"title"`
	Department string `json:"department"`
}

// Attachment describes an uploaded attachment.
type Attachment struct {
	SysID        string `json:"sys_id"`
	FileName     string `json:"file_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    string `json:"size_bytes"`
	TableName    string `json:"table_name"`
	TableSysID   string `json:"table_sys_id"`
	DownloadLink string `json:"download_link"`
}

// Client is the ticketing API client.
type Client struct {
	gateway   *client.Client
	requester Requester
}

// New returns a ticketing client.
func New(gateway *client.Client, requester Requester) *Client {
	return &Client{gateway: gateway, requester: requester}
}

// Table fetches rows from a table. snpath is the upstream path including its
// query, e.g. /api/now/table/incident?sysparm_limit=5.
func (c *Client) Table(ctx context.Context, snpath string, out interface{}) error {
	req, err := c.gateway.NewRequest(ctx, http.MethodGet, client.TicketingAPIPath, url.Values{"snpath": {snpath}}, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.requester.Do(ctx, provider.Ticketing, req)
	if err != nil {
		return err
	}
	if err := client.CheckResponse(provider.Ticketing, resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode ticketing response: %w", err)
	}
	return nil
}

// ErrInvalidUsername is returned for user names that would change the
// meaning of the encoded user query.
var ErrInvalidUsername = errors.New("invalid user name")

// FetchCurrentUser looks up a user by user name. The record returned must
// belong to exactly that user.
func (c *Client) FetchCurrentUser(ctx context.Context, username string) (*User, error) {
	if username == "" || strings.ContainsAny(username, "^=\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	q := url.Values{
		"sysparm_query":  {"user_name=" + username},
		"sysparm_limit":  {"1"},
		"sysparm_fields": {"sys_id,user_name,name,email,title,department"},
	}
	var body struct {
		Result []User `json:"result"`
	}
	if err := c.Table(ctx, "/api/now/table/sys_user?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	if len(body.Result) == 0 {
		return nil, fmt.Errorf("user %s not found", username)
	}
	if u := &body.Result[0]; strings.EqualFold(u.UserName, username) {
		return u, nil
	}
	return nil, fmt.Errorf("user %s not found", username)
}

// Directory adapts Client to broker.UserDirectory.
type Directory struct {
	Client *Client
}

// FetchCurrentUser maps a ticketing user onto a profile.
func (d Directory) FetchCurrentUser(ctx context.Context, username string) (*broker.Profile, error) {
	u, err := d.Client.FetchCurrentUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return &broker.Profile{
		UserID: username,
		Name:   u.Name,
		Email:  u.Email,
		Role:   u.Title,
		Domain: u.Department,
	}, nil
}

// AttachmentTarget identifies the record an attachment belongs to.
type AttachmentTarget struct {
	TableName  string
	TableSysID string
	FileName   string
}

// UploadAttachment streams body to the record's attachment list.
func (c *Client) UploadAttachment(ctx context.Context, target AttachmentTarget, contentType string, body io.Reader) (*Attachment, error) {
	if target.TableName == "" || target.TableSysID == "" || target.FileName == "" {
		return nil, fmt.Errorf("table name, record sys_id and file name are required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	q := url.Values{
		"table_name":   {target.TableName},
		"table_sys_id": {target.TableSysID},
		"file_name":    {target.FileName},
	}
	req, err := c.gateway.NewRequest(ctx, http.MethodPost, client.TicketingAttachmentPath+"/file", q, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.requester.Do(ctx, provider.Ticketing, req)
	if err != nil {
		return nil, err
	}
	if err := client.CheckResponse(provider.Ticketing, resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Result Attachment `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode attachment response: %w", err)
	}
	logging.Info("Ticketing", "Attached %s to %s/%s", target.FileName, target.TableName, logging.Redact(target.TableSysID))
	return &out.Result, nil
}
