package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "note.txt"), []byte("hello there"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewMediaResolver(dir, 0)

	m, err := r.Resolve(context.Background(), "sub/note.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Name != "note.txt" || string(m.Data) != "hello there" {
		t.Fatalf("unexpected media %+v", m)
	}
	if !strings.HasPrefix(m.MimeType, "text/plain") {
		t.Fatalf("unexpected mime type %q", m.MimeType)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	r := NewMediaResolver(t.TempDir(), 0)
	for _, ref := range []string{"../x", "a/../../x", "/etc/passwd"} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("%q: expected ErrPathTraversal, got %v", ref, err)
		}
	}
}

func TestResolveSizeLimit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 32), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewMediaResolver(dir, 16)
	if _, err := r.Resolve(context.Background(), "big.bin"); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestResolveRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("%PDF-1.4\n%test"))
	}))
	defer srv.Close()
	r := NewMediaResolver("", 0)

	m, err := r.Resolve(context.Background(), srv.URL+"/files/report")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.MimeType != "application/pdf" || m.Name != "report.pdf" {
		t.Fatalf("unexpected media %q %q", m.Name, m.MimeType)
	}

	if _, err := r.Resolve(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestResolveWithoutMediaDir(t *testing.T) {
	r := NewMediaResolver("", 0)
	if _, err := r.Resolve(context.Background(), "file.png"); err == nil {
		t.Fatal("expected error without media directory")
	}
	if _, err := r.Resolve(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty reference")
	}
}
