// Package idp uploads documents to the document-processing API through the
// gateway and triggers their extraction.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"uwgate/internal/broker"
	"uwgate/internal/client"
	"uwgate/internal/provider"
	"uwgate/pkg/logging"
)

const (
	uploadPath  = client.IDPAPIPath + "/core/v1/ingestion/data"
	processPath = client.IDPAPIPath + "/core/v1/ingestion/process"
)

// DefaultConcurrency limits parallel uploads in a batch.
const DefaultConcurrency = 4

// Broker is the part of *broker.Broker the client needs.
type Broker interface {
	GetToken(ctx context.Context, p provider.Provider) (*broker.Token, error)
	Do(ctx context.Context, p provider.Provider, req *http.Request) (*http.Response, error)
}

// Options carry the client-visible identifiers attached to uploads.
type Options struct {
	APIKey        string
	SubmissionKey string
	Env           string
	// Concurrency limits parallel uploads in a batch.
	Concurrency int
}

// Client is the document-processing client.
type Client struct {
	gateway *client.Client
	broker  Broker
	opts    Options
}

// New returns a document-processing client.
func New(gateway *client.Client, b Broker, opts Options) *Client {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Client{gateway: gateway, broker: b, opts: opts}
}

// File is one document to upload. Open is called once per upload.
type File struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// FileFromPath returns a File reading from disk.
func FileFromPath(path string) File {
	return File{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// FileFromBytes returns an in-memory File.
func FileFromBytes(name string, data []byte) File {
	return File{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// UploadResult is the ingestion answer for one document.
type UploadResult struct {
	SubmissionID string
	Raw          map[string]interface{}
}

// ProcessResult is the plain-text answer of the process call.
type ProcessResult struct {
	Message string
}

// UploadDocument sends file as multipart/form-data and returns the
// submission ID the ingestion endpoint assigned to it.
func (c *Client) UploadDocument(ctx context.Context, file File) (*UploadResult, error) {
	if file.Open == nil {
		return nil, fmt.Errorf("%s: nothing to upload", file.Name)
	}
	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file.Name, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer src.Close()
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
		ct := file.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, src)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.gateway.NewRequest(ctx, http.MethodPost, uploadPath, nil, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	c.setAPIKey(req)

	resp, err := c.broker.Do(ctx, provider.IDP, req)
	if err != nil {
		pr.Close()
		return nil, err
	}
	if err := client.CheckResponse(provider.IDP, resp); err != nil {
		return nil, fmt.Errorf("document upload failed: %w", err)
	}
	defer resp.Body.Close()

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	id := submissionID(raw)
	if id == "" {
		return nil, fmt.Errorf("upload response missing submissionId")
	}
	logging.Debug("IDP", "Uploaded %s as submission %s", file.Name, logging.Redact(id))
	return &UploadResult{SubmissionID: id, Raw: raw}, nil
}

// submissionID accepts the shapes the ingestion endpoint has been seen to
// return.
func submissionID(raw map[string]interface{}) string {
	if nested, ok := raw["submission_request"].(map[string]interface{}); ok {
		if s := stringValue(nested["submissionId"]); s != "" {
			return s
		}
	}
	for _, key := range []string{"submissionId", "submission_id"} {
		if s := stringValue(raw[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

type metadata struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type processPayload struct {
	Payload struct {
		SubmissionID   string     `json:"submission_id"`
		SubmissionKey  string     `json:"submission_key"`
		CallerMetadata []metadata `json:"caller_metadata"`
	} `json:"payload"`
}

// ProcessDocument triggers extraction for an uploaded submission and links
// it to the ticketing record integrationSysID.
func (c *Client) ProcessDocument(ctx context.Context, submissionID, integrationSysID string) (*ProcessResult, error) {
	var p processPayload
	p.Payload.SubmissionID = submissionID
	p.Payload.SubmissionKey = c.opts.SubmissionKey
	p.Payload.CallerMetadata = []metadata{
		{Name: "integration_sys_id", Value: integrationSysID},
		{Name: "env", Value: c.opts.Env},
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	req, err := c.gateway.NewRequest(ctx, http.MethodPost, processPath, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	// the process endpoint only accepts text/plain
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "text/plain")
	c.setAPIKey(req)

	resp, err := c.broker.Do(ctx, provider.IDP, req)
	if err != nil {
		return nil, err
	}
	if err := client.CheckResponse(provider.IDP, resp); err != nil {
		return nil, fmt.Errorf("document processing failed: %w", err)
	}
	defer resp.Body.Close()

	msg, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read process response: %w", err)
	}
	return &ProcessResult{Message: string(msg)}, nil
}

func (c *Client) setAPIKey(req *http.Request) {
	if c.opts.APIKey != "" {
		req.Header.Set("x-api-key", c.opts.APIKey)
	}
}

// UploadAndProcess uploads file and triggers its processing.
func (c *Client) UploadAndProcess(ctx context.Context, file File, integrationSysID string) (*UploadResult, *ProcessResult, error) {
	up, err := c.UploadDocument(ctx, file)
	if err != nil {
		return nil, nil, err
	}
	proc, err := c.ProcessDocument(ctx, up.SubmissionID, integrationSysID)
	if err != nil {
		return up, nil, err
	}
	return up, proc, nil
}
