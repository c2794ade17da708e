// Package functions is the HTTP client for the functions service.
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	MagicLinkPath = "/functions/v1/create_magic_link"
	UploadPath    = "/functions/v1/upload-document"
)

// Client calls the functions service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is an error response of a function.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// MagicLinkRequest is the body of create_magic_link.
type MagicLinkRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo,omitempty"`
}

// LinkMaterial is what the admin path returns instead of sending an email.
type LinkMaterial struct {
	TokenHash     string `json:"token_hash"`
	Email         string `json:"email"`
	MagicLink     string `json:"magiclink"`
	RedirectRoute string `json:"redirectRoute"`
}

// RequestMagicLink runs the self-service path: the link is emailed to the
// address when it belongs to a customer.
func (c *Client) RequestMagicLink(ctx context.Context, email, redirectTo string) error {
	var resp struct {
		Status string `json:"status"`
	}
	return c.doJSON(ctx, MagicLinkPath, "", MagicLinkRequest{Email: email, RedirectTo: redirectTo}, &resp)
}

// IssueMagicLink runs the admin path and returns the link material.
func (c *Client) IssueMagicLink(ctx context.Context, token, email, redirectTo string) (LinkMaterial, error) {
	var out LinkMaterial
	if err := c.doJSON(ctx, MagicLinkPath, token, MagicLinkRequest{Email: email, RedirectTo: redirectTo}, &out); err != nil {
		return LinkMaterial{}, err
	}
	return out, nil
}

// UploadDocument sends one file as multipart form fields file and fileName.
func (c *Client) UploadDocument(ctx context.Context, token, fileName string, content io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", fileName)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.WriteField("fileName", fileName)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+UploadPath, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.Close()
		return fmt.Errorf("upload document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, path, token string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("functions %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	msg := errResp.Error
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func addAuthHeader(req *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
