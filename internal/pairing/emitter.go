// Package pairing renders pairing tokens as scannable QR images.
package pairing

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultSize = 256

// Emitter writes the latest pairing code to a fixed path. Only one artifact
// is ever kept; each Emit replaces the previous image.
type Emitter struct {
	path string
	size int
	mu   sync.Mutex
}

// NewEmitter creates an Emitter writing PNGs of size x size pixels to path.
func NewEmitter(path string, size int) *Emitter {
	if size <= 0 {
		size = defaultSize
	}
	return &Emitter{path: path, size: size}
}

// Path returns where the artifact is written.
func (e *Emitter) Path() string { return e.path }

// Emit renders token and reports whether the artifact was written. Errors are
// logged; pairing display is best effort.
func (e *Emitter) Emit(token string) bool {
	if err := e.write(token); err != nil {
		slog.Error("pairing: failed to write qr artifact", "path", e.path, "error", err)
		return false
	}
	slog.Info("pairing: qr artifact updated", "path", e.path)
	return true
}

func (e *Emitter) write(token string) error {
	if token == "" {
		return fmt.Errorf("empty pairing token")
	}
	png, err := qrcode.Encode(token, qrcode.Medium, e.size)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".qr-*.png")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(png); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace artifact: %w", err)
	}
	return nil
}

// Clear removes the artifact, e.g. once the session is paired.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("pairing: failed to remove qr artifact", "path", e.path, "error", err)
	}
}
