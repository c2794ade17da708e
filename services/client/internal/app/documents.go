package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pingai/internal/authz"
)

var ErrUnsupportedDocument = errors.New("only PDF and Word documents can be uploaded")

// Document types accepted by the picker.
var documentTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Uploader sends one file to the upload relay.
type Uploader interface {
	UploadDocument(ctx context.Context, token, fileName string, content io.Reader) error
}

// DocumentUploader is the admin documents screen.
type DocumentUploader struct {
	uploader Uploader
	tokens   TokenSource
	profile  *UserProfile
}

func NewDocumentUploader(uploader Uploader, tokens TokenSource, profile *UserProfile) *DocumentUploader {
	return &DocumentUploader{uploader: uploader, tokens: tokens, profile: profile}
}

// Upload sends the file at path.
func (d *DocumentUploader) Upload(ctx context.Context, path string) error {
	name := filepath.Base(path)
	if _, ok := documentTypes[strings.ToLower(filepath.Ext(name))]; !ok {
		return ErrUnsupportedDocument
	}
	if dec := d.profile.Can(authz.UploadDocument); !dec.Allowed {
		return fmt.Errorf("%w: %s", ErrAdminOnly, dec.Reason)
	}
	token, err := d.tokens.AccessToken()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	if err := d.uploader.UploadDocument(ctx, token, name, f); err != nil {
		return fmt.Errorf("upload document: %w", err)
	}
	return nil
}
