package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/errs"
)

// ErrPayloadNotFound is returned when a payload part does not exist.
var ErrPayloadNotFound = errors.New("payload not found")

// PayloadKeyDefault names the primary payload part of a file.
const PayloadKeyDefault = "payload"

// PayloadStore keeps payload and thumbnail streams on disk, separate from
// headers. Uploads stage parts under a temp id; commit moves the whole
// staging directory into the drive's long-term area in one rename.
type PayloadStore struct {
	root string
}

// NewPayloadStore creates a payload store rooted at dir.
func NewPayloadStore(dir string) (*PayloadStore, error) {
	p := &PayloadStore{root: dir}
	for _, sub := range []string{p.tempRoot(), filepath.Join(dir, "drives")} {
		if err := os.MkdirAll(sub, 0o700); err != nil {
			return nil, fmt.Errorf("creating payload dir %s: %w", sub, err)
		}
	}
	return p, nil
}

func (p *PayloadStore) tempRoot() string {
	return filepath.Join(p.root, "temp")
}

func (p *PayloadStore) tempDir(tempID string) string {
	return filepath.Join(p.tempRoot(), tempID)
}

func (p *PayloadStore) fileDir(file drives.InternalFile) string {
	return filepath.Join(p.root, "drives", file.DriveID.String(), file.FileID.String())
}

func validPartKey(key string) bool {
	if key == "" || len(key) > 64 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// WriteTemp streams one part into the staging area for tempID.
func (p *PayloadStore) WriteTemp(tempID, key string, r io.Reader) (int64, error) {
	if !validPartKey(key) {
		return 0, errs.Client(errs.CodeBadRequest, "invalid payload key %q", key)
	}
	dir := p.tempDir(tempID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("creating staging dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, key), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating staged part: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("writing staged part: %w", err)
	}
	return n, nil
}

// ReadTemp opens a staged part.
func (p *PayloadStore) ReadTemp(tempID, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(p.tempDir(tempID), key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrPayloadNotFound
		}
		return nil, err
	}
	return f, nil
}

// Promote moves every staged part for tempID into file's long-term
// directory, replacing any existing parts. A missing staging directory
// is not an error; metadata-only writes carry no payload.
func (p *PayloadStore) Promote(tempID string, file drives.InternalFile) error {
	src := p.tempDir(tempID)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	dst := p.fileDir(file)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("creating drive payload dir: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clearing previous payload dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("promoting staged payload: %w", err)
	}
	return nil
}

// Read opens a long-term payload part.
func (p *PayloadStore) Read(file drives.InternalFile, key string) (io.ReadCloser, error) {
	if !validPartKey(key) {
		return nil, errs.Client(errs.CodeBadRequest, "invalid payload key %q", key)
	}
	f, err := os.Open(filepath.Join(p.fileDir(file), key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrPayloadNotFound
		}
		return nil, err
	}
	return f, nil
}

// Delete removes all payload parts for file. Used on soft delete; the
// header tombstone survives, the bytes do not.
func (p *PayloadStore) Delete(file drives.InternalFile) error {
	return os.RemoveAll(p.fileDir(file))
}

// DeleteTemp discards a staging directory, typically after a failed or
// abandoned upload.
func (p *PayloadStore) DeleteTemp(tempID string) error {
	return os.RemoveAll(p.tempDir(tempID))
}
