package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/novalto/traind/internal/artifacts"
)

func TestFSPublisher(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "policy.pt")
	if err := os.WriteFile(src, []byte("checkpoint-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	p := artifacts.NewFSPublisher(root)

	ref, err := p.Publish(context.Background(), "run1", "policy.pt", src)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ref != filepath.Join(root, "run1", "policy.pt") {
		t.Errorf("ref = %q", ref)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		t.Fatalf("read published artifact: %v", err)
	}
	if string(data) != "checkpoint-bytes" {
		t.Errorf("content = %q", data)
	}
}

func TestFSPublisherMissingSource(t *testing.T) {
	p := artifacts.NewFSPublisher(t.TempDir())
	if _, err := p.Publish(context.Background(), "run1", "policy.pt", "/nonexistent"); err == nil {
		t.Error("Publish succeeded on missing source file")
	}
}
