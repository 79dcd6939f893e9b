package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// VideoRoute is the HTTP path prefix under which local artifacts are served.
const VideoRoute = "/api/v1/videos/"

// Local stores artifacts in a directory. References are "<public base>/api/v1/videos/<key>".
type Local struct {
	Dir        string
	PublicBase string
}

func NewLocal(dir, publicBase string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &Local{Dir: dir, PublicBase: strings.TrimRight(publicBase, "/")}, nil
}

func (l *Local) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp := p + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return l.Ref(key), nil
}

// Ref returns the reference for a stored key.
func (l *Local) Ref(key string) string {
	return l.PublicBase + VideoRoute + key
}

// Get reads a local reference (or bare key); any other absolute URL is fetched over HTTP.
func (l *Local) Get(ctx context.Context, ref string) ([]byte, error) {
	key, ok := l.keyOf(ref)
	if !ok {
		if isRemote(ref) {
			return Fetch(ctx, ref)
		}
		return nil, ErrInvalidKey
	}
	p, err := l.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Path maps a key to its file, rejecting keys that escape Dir.
func (l *Local) Path(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Dir, filepath.FromSlash(key)), nil
}

func (l *Local) keyOf(ref string) (string, bool) {
	if prefix := l.PublicBase + VideoRoute; strings.HasPrefix(ref, prefix) {
		return strings.TrimPrefix(ref, prefix), true
	}
	if strings.HasPrefix(ref, VideoRoute) {
		return strings.TrimPrefix(ref, VideoRoute), true
	}
	if isRemote(ref) {
		return "", false
	}
	return ref, true
}
