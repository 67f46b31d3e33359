package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// writeUpload places a file in the sender's upload directory and returns
// the path relative to it.
func writeUpload(t *testing.T, uploads, sender, name, content string) string {
	t.Helper()
	dir := filepath.Join(uploads, sender)
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
		t.Fatalf("Failed to create upload dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	return name
}

func TestLocalSend(t *testing.T) {
	root, uploads := t.TempDir(), t.TempDir()
	src := writeUpload(t, uploads, "alice", "notes.txt", "hello bob")

	ref, err := NewLocal(root, uploads).Send(context.Background(), "alice", "bob", src)
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if !strings.HasPrefix(ref, "bob/") || !strings.HasSuffix(ref, "-notes.txt") {
		t.Errorf("Unexpected ref %q", ref)
	}

	got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(ref)))
	if err != nil {
		t.Fatalf("Failed to read delivered file: %v", err)
	}
	if string(got) != "hello bob" {
		t.Errorf("Expected %q, got %q", "hello bob", got)
	}

	leftovers, _ := filepath.Glob(filepath.Join(root, "bob", ".incoming-*"))
	if len(leftovers) != 0 {
		t.Errorf("Temp files left behind: %v", leftovers)
	}
}

func TestLocalSendNested(t *testing.T) {
	root, uploads := t.TempDir(), t.TempDir()
	src := writeUpload(t, uploads, "alice", filepath.Join("docs", "plan.txt"), "plan")

	ref, err := NewLocal(root, uploads).Send(context.Background(), "alice", "bob", src)
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if !strings.HasSuffix(ref, "-plan.txt") {
		t.Errorf("Unexpected ref %q", ref)
	}
}

func TestLocalSendFailures(t *testing.T) {
	root, uploads := t.TempDir(), t.TempDir()
	l := NewLocal(root, uploads)
	ctx := context.Background()

	writeUpload(t, uploads, "alice", "a.txt", "x")
	writeUpload(t, uploads, "bob", "bobs.txt", "private")
	secret := filepath.Join(t.TempDir(), "server.db")
	os.WriteFile(secret, []byte("server data"), 0o600)
	if err := os.Symlink(secret, filepath.Join(uploads, "alice", "link.db")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name, from, to, path string
	}{
		{"missing source", "alice", "bob", "nope.txt"},
		{"directory source", "alice", "bob", "."},
		{"absolute path", "alice", "bob", secret},
		{"parent traversal", "alice", "bob", "../bob/bobs.txt"},
		{"symlink out of uploads", "alice", "bob", "link.db"},
		{"escaping recipient", "alice", "..", "a.txt"},
		{"nested recipient", "alice", "a/b", "a.txt"},
		{"dot recipient", "alice", ".", "a.txt"},
		{"escaping sender", "..", "bob", "a.txt"},
	}
	for _, tt := range tests {
		_, err := l.Send(ctx, tt.from, tt.to, tt.path)
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("%s: expected ErrTransferFailed, got %v", tt.name, err)
		}
	}

	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		files, _ := os.ReadDir(filepath.Join(root, e.Name()))
		if len(files) != 0 {
			t.Errorf("Nothing should be delivered, found %d files in %s", len(files), e.Name())
		}
	}
}

func TestLocalSendWithoutUploads(t *testing.T) {
	_, err := NewLocal(t.TempDir(), "").Send(context.Background(), "alice", "bob", "a.txt")
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("Expected ErrTransferFailed, got %v", err)
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	b, _ := io.ReadAll(params.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Send(t *testing.T) {
	fake := &fakeS3{}
	uploads := t.TempDir()
	src := writeUpload(t, uploads, "alice", "photo.png", "png-bytes")

	ref, err := NewS3WithClient(fake, "chat-files", uploads).Send(context.Background(), "alice", "bob", src)
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	key := aws.ToString(fake.input.Key)
	if !strings.HasPrefix(key, "bob/") || !strings.HasSuffix(key, "/photo.png") {
		t.Errorf("Unexpected key %q", key)
	}
	if ref != "s3://chat-files/"+key {
		t.Errorf("Unexpected ref %q", ref)
	}
	if fake.body != "png-bytes" {
		t.Errorf("Expected uploaded body %q, got %q", "png-bytes", fake.body)
	}
	if aws.ToString(fake.input.ContentType) != "image/png" {
		t.Errorf("Expected image/png, got %q", aws.ToString(fake.input.ContentType))
	}
	if aws.ToInt64(fake.input.ContentLength) != int64(len("png-bytes")) {
		t.Errorf("Unexpected content length %d", aws.ToInt64(fake.input.ContentLength))
	}
}

func TestS3SendFailure(t *testing.T) {
	fake := &fakeS3{err: errors.New("access denied")}
	uploads := t.TempDir()
	src := writeUpload(t, uploads, "alice", "a.txt", "x")

	_, err := NewS3WithClient(fake, "b", uploads).Send(context.Background(), "alice", "bob", src)
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("Expected ErrTransferFailed, got %v", err)
	}
}

func TestS3SendRefusesOutsideUploads(t *testing.T) {
	fake := &fakeS3{}
	secret := filepath.Join(t.TempDir(), "termchat.yaml")
	os.WriteFile(secret, []byte("secret_key: x"), 0o600)

	_, err := NewS3WithClient(fake, "b", t.TempDir()).Send(context.Background(), "alice", "bob", secret)
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("Expected ErrTransferFailed, got %v", err)
	}
	if fake.input != nil {
		t.Error("Nothing should be uploaded")
	}
}
