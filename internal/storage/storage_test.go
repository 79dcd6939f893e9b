package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKey(t *testing.T) {
	good := map[string]string{
		"a.mp4":          "a.mp4",
		"tts/x.wav":      "tts/x.wav",
		"video//y.mp4":   "video/y.mp4",
		`win\style.mp4`:  "win/style.mp4",
		" spaced.mp4 ":   "spaced.mp4",
		"./here/now.mp4": "here/now.mp4",
	}
	for in, want := range good {
		got, err := CleanKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x", "a/..", "."} {
		_, err := CleanKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestNewKey(t *testing.T) {
	k := NewKey("video", ".mp4")
	assert.True(t, strings.HasPrefix(k, "video/"))
	assert.True(t, strings.HasSuffix(k, ".mp4"))
	assert.NotEqual(t, k, NewKey("video", "mp4"))
	assert.NotContains(t, NewKey("", ""), "/")
}

func TestLocal_PutGet(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "http://localhost:8080/")
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := l.Put(ctx, "video/a.mp4", "video/mp4", []byte("mp4"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1/videos/video/a.mp4", ref)

	onDisk, err := os.ReadFile(filepath.Join(dir, "video", "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(onDisk))

	for _, r := range []string{ref, "/api/v1/videos/video/a.mp4", "video/a.mp4"} {
		got, err := l.Get(ctx, r)
		require.NoError(t, err, r)
		assert.Equal(t, "mp4", string(got))
	}

	_, err = l.Get(ctx, "video/missing.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Put(ctx, "../escape", "text/plain", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLocal_GetRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote:" + r.URL.Path))
	}))
	defer srv.Close()

	l, err := NewLocal(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	got, err := l.Get(context.Background(), srv.URL+"/out/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, "remote:/out/v.mp4", string(got))

	_, err = l.Get(context.Background(), srv.URL+"/gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabase_PublicURL(t *testing.T) {
	s := &Supabase{baseURL: "https://proj.supabase.co", bucket: "avatar-artifacts"}
	assert.Equal(t, "https://proj.supabase.co/storage/v1/object/public/avatar-artifacts/video/a.mp4", s.PublicURL("video/a.mp4"))

	_, err := NewSupabase(SupabaseConfig{Bucket: "b"})
	assert.Error(t, err)
}
