// Package webhook calls the workflow automation webhooks that answer chat
// turns and ingest documents.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pingai/internal/util"
)

const (
	chatPath   = "/webhook/chat"
	ingestPath = "/webhook/add-document"
)

var (
	// ErrEmptyReply is returned when the chat webhook answers without an output.
	ErrEmptyReply = errors.New("webhook returned no output")
	// ErrNotCreated is returned when ingestion answers with anything but 201.
	ErrNotCreated = errors.New("document was not accepted")
)

// StatusError is a non-success response of a webhook.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "webhook status " + strconv.Itoa(e.Status)
	}
	return fmt.Sprintf("webhook status %d: %s", e.Status, e.Body)
}

// ChatClient asks the AI workflow for a reply.
type ChatClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewChatClient builds a chat client. Requests carry no timeout of their own;
// callers bound them with the context.
func NewChatClient(baseURL string, hc *http.Client) *ChatClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &ChatClient{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), httpClient: hc}
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatReply struct {
	Output *string `json:"output"`
}

// Reply sends one user turn and returns the first output of the response array.
func (c *ChatClient) Reply(ctx context.Context, sessionID, message string) (string, error) {
	payload, err := json.Marshal(chatRequest{SessionID: sessionID, Message: message})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}
	var replies []chatReply
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		return "", fmt.Errorf("decode chat reply: %w", err)
	}
	if len(replies) == 0 || replies[0].Output == nil {
		return "", ErrEmptyReply
	}
	return *replies[0].Output, nil
}

// IngestClient forwards uploaded documents to the ingestion workflow.
type IngestClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewIngestClient(baseURL string, hc *http.Client) *IngestClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &IngestClient{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), httpClient: hc}
}

// Forward streams body with its original content type. Only 201 counts as
// success.
func (c *IngestClient) Forward(ctx context.Context, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ingestPath, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if id := util.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(util.RequestIDHeader, id)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ingest webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: %w", ErrNotCreated, statusError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(resp *http.Response) *StatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
