package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type recordingUploader struct {
	token, name, content string
	err                  error
}

func (u *recordingUploader) UploadDocument(_ context.Context, token, fileName string, content io.Reader) error {
	if u.err != nil {
		return u.err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	u.token, u.name, u.content = token, fileName, string(data)
	return nil
}

func writeDocument(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write document: %v", err)
	}
	return path
}

func TestDocumentUploaderUploads(t *testing.T) {
	provider := newFakeProvider(adminUser())
	uploader := &recordingUploader{}
	docs := NewDocumentUploader(uploader, staticTokens{token: "tok"}, loadedProfile(t, provider))

	path := writeDocument(t, "Runbook.PDF", "%PDF-1.7")
	if err := docs.Upload(context.Background(), path); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uploader.token != "tok" || uploader.name != "Runbook.PDF" || uploader.content != "%PDF-1.7" {
		t.Fatalf("unexpected upload %+v", uploader)
	}
}

func TestDocumentUploaderRejects(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		admin   bool
		wantErr error
	}{
		{name: "unsupported type", file: "notes.txt", admin: true, wantErr: ErrUnsupportedDocument},
		{name: "member", file: "guide.docx", admin: false, wantErr: ErrAdminOnly},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user := memberUser()
			if tc.admin {
				user = adminUser()
			}
			uploader := &recordingUploader{}
			docs := NewDocumentUploader(uploader, staticTokens{token: "tok"}, loadedProfile(t, newFakeProvider(user)))
			err := docs.Upload(context.Background(), writeDocument(t, tc.file, "data"))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if uploader.name != "" {
				t.Fatal("nothing should be uploaded")
			}
		})
	}
}

func TestDocumentUploaderRelayFailure(t *testing.T) {
	relayErr := errors.New("Error uploading document")
	uploader := &recordingUploader{err: relayErr}
	docs := NewDocumentUploader(uploader, staticTokens{token: "tok"}, loadedProfile(t, newFakeProvider(adminUser())))
	if err := docs.Upload(context.Background(), writeDocument(t, "guide.docx", "data")); !errors.Is(err, relayErr) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if err := docs.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.pdf")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
