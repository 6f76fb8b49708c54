package client

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStore_UploadOpenDelete(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "http://localhost:8080/assets")
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	ctx := context.Background()

	key, err := fs.Upload(ctx, "/segments/p1/s1.mp4", strings.NewReader("clip"), "video/mp4")
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if key != "segments/p1/s1.mp4" {
		t.Errorf("expected cleaned key, got %q", key)
	}
	if _, err := os.Stat(filepath.Join(dir, "segments", "p1", "s1.mp4")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	rc, err := fs.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "clip" {
		t.Errorf("unexpected content %q", data)
	}

	if got := fs.GetPublicURL(key); got != "http://localhost:8080/assets/segments/p1/s1.mp4" {
		t.Errorf("unexpected public url %q", got)
	}

	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := fs.Open(ctx, key); err == nil {
		t.Error("expected Open to fail after delete")
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Errorf("deleting a missing key should be a no-op, got %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "renders/p/j.mp4", want: "renders/p/j.mp4"},
		{key: "./a//b.mp4", want: "a/b.mp4"},
		{key: `a\b.mp4`, want: "a/b.mp4"},
		{key: "../etc/passwd", wantErr: true},
		{key: "a/../../x", wantErr: true},
		{key: "  ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sanitizeKey(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("sanitizeKey(%q) expected error, got %q", tt.key, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, %v; want %q", tt.key, got, err, tt.want)
		}
	}
}
