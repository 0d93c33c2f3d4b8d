package storage

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"photoflow/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root, "https://cdn.example.com/")
	require.NoError(t, err)

	data := pngBytes(t, 3, 2)
	a, err := s.Save(ctx, "tasks/abc/output-0.png", data, "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, 3, a.Width)
	assert.Equal(t, 2, a.Height)
	assert.Equal(t, int64(len(data)), a.Size)

	got, err := s.Get(ctx, "tasks/abc/output-0.png")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	url, err := s.Publish(ctx, "tasks/abc/output-0.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/tasks/abc/output-0.png", url)

	_, err = s.Get(ctx, "missing.png")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Publish(ctx, "missing.png")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFSStoreKeysStayUnderRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(filepath.Join(root, "artifacts"), "")
	require.NoError(t, err)

	_, err = s.Save(ctx, "../../escape.bin", []byte("x"), "application/octet-stream")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "artifacts", "escape.bin"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "escape.bin"))
	assert.True(t, os.IsNotExist(err))

	_, err = s.Save(ctx, "/", []byte("x"), "")
	assert.Error(t, err)

	_, err = NewFSStore("", "")
	assert.Error(t, err)
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore("")
	_, err := s.Save(ctx, "", nil, "")
	assert.Error(t, err)

	_, err = s.Save(ctx, "k.png", pngBytes(t, 1, 1), "")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	ok, _ := s.Exists(ctx, "k.png")
	assert.True(t, ok)

	url, err := s.Publish(ctx, "k.png")
	require.NoError(t, err)
	assert.Equal(t, "mem://artifacts/k.png", url)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHTTPFetcher(t *testing.T) {
	img := pngBytes(t, 2, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Write(img)
		case "/big":
			w.Write(bytes.Repeat([]byte{'a'}, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, 32)
	data, ct, err := f.Fetch(context.Background(), srv.URL+"/big")
	assert.Error(t, err)
	assert.Nil(t, data)
	assert.Empty(t, ct)

	f = NewHTTPFetcher(time.Second, 0)
	data, ct, err = f.Fetch(context.Background(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, img, data)
	assert.Equal(t, "image/png", ct)

	_, _, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "unexpected status 404")
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".png", ExtensionFor("image/png"))
	assert.Equal(t, ".jpg", ExtensionFor("image/jpeg"))
	assert.Equal(t, ".bin", ExtensionFor("text/plain"))
}
