// Package storage keeps uploaded documents and inbound media on local disk.
// Paths stored in the database are relative to the store's root.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Subdirectories under the root.
const (
	DirDocuments = "documents"
	DirMedia     = "media"
	DirSpool     = "spool"
)

// Store is a directory-backed file store.
type Store struct {
	root string
}

// New creates the root and its subdirectories.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: root is required")
	}
	for _, d := range []string{DirDocuments, DirMedia, DirSpool} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", d, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// FullPath resolves a stored relative path. Paths escaping the root are rejected.
func (s *Store) FullPath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("storage: absolute path %q not allowed", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: path %q escapes root", rel)
	}
	return filepath.Join(s.root, clean), nil
}

// ReadFile reads a stored file.
func (s *Store) ReadFile(rel string) ([]byte, error) {
	full, err := s.FullPath(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", rel, err)
	}
	return data, nil
}

// SaveDocument stores an upload under documents/ with a unique name that
// keeps the original extension.
func (s *Store) SaveDocument(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	rel := filepath.Join(DirDocuments, uuid.NewString()+ext)
	full := filepath.Join(s.root, rel)

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("storage: create %s: %w", rel, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(full)
		return "", fmt.Errorf("storage: write %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("storage: close %s: %w", rel, err)
	}
	return filepath.ToSlash(rel), nil
}

// SaveMedia stores media content-addressed under media/<tenant>/. Saving the
// same bytes twice yields the same path.
func (s *Store) SaveMedia(tenantID string, data []byte, mimeType string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("storage: tenantID is required")
	}
	sum := sha256.Sum256(data)
	dir := filepath.Join(DirMedia, tenantID)
	if err := os.MkdirAll(filepath.Join(s.root, dir), 0755); err != nil {
		return "", fmt.Errorf("storage: create %s: %w", dir, err)
	}
	rel := filepath.Join(dir, hex.EncodeToString(sum[:])+Extension(mimeType))
	full := filepath.Join(s.root, rel)

	if _, err := os.Stat(full); err == nil {
		return filepath.ToSlash(rel), nil
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, dir), ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("storage: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: write %s: %w", rel, err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: rename %s: %w", rel, err)
	}
	return filepath.ToSlash(rel), nil
}

// Spool writes bytes to a temporary file under spool/ and returns its
// relative path. The process-media job moves it into the media store.
func (s *Store) Spool(data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, DirSpool), "media-*")
	if err != nil {
		return "", fmt.Errorf("storage: spool: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("storage: spool write: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("storage: spool close: %w", err)
	}
	return filepath.ToSlash(filepath.Join(DirSpool, filepath.Base(f.Name()))), nil
}

// Remove deletes a stored file. A missing file is not an error.
func (s *Store) Remove(rel string) error {
	full, err := s.FullPath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %s: %w", rel, err)
	}
	return nil
}

// Extension picks a file extension for a MIME type.
func Extension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	switch base {
	case "image/jpeg":
		return ".jpg"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	case "":
		return ".bin"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
