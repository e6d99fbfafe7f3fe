package acquire_test

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/stemconv/internal/acquire"
)

type entry struct {
	name string
	typ  byte
	body string
}

func tarball(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typ, Mode: 0o644, Size: int64(len(e.body))}
		if e.typ == tar.TypeDir {
			hdr.Mode, hdr.Size = 0o755, 0
		}
		if e.typ == tar.TypeSymlink {
			hdr.Linkname, hdr.Size = "/etc/passwd", 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "2stems.tar.gz")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExtract(t *testing.T) {
	archive := writeArchive(t, tarball(t,
		entry{name: "2stems/", typ: tar.TypeDir},
		entry{name: "checkpoint", typ: tar.TypeReg, body: "model_checkpoint_path: \"model\"\n"},
		entry{name: "model.index", typ: tar.TypeReg, body: "index"},
		entry{name: "nested/model.data-00000-of-00001", typ: tar.TypeReg, body: "data"},
	))
	dir := filepath.Join(t.TempDir(), "2stems")

	require.NoError(t, acquire.Extract(context.Background(), archive, dir))

	got, err := os.ReadFile(filepath.Join(dir, "model.index"))
	require.NoError(t, err)
	assert.Equal(t, "index", string(got))
	got, err = os.ReadFile(filepath.Join(dir, "nested", "model.data-00000-of-00001"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	// No staging directories are left next to dir.
	siblings, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, siblings, 1)
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	for name, e := range map[string]entry{
		"parent":   {name: "../evil", typ: tar.TypeReg, body: "x"},
		"nested":   {name: "a/../../evil", typ: tar.TypeReg, body: "x"},
		"absolute": {name: "/tmp/evil", typ: tar.TypeReg, body: "x"},
		"symlink":  {name: "link", typ: tar.TypeSymlink},
	} {
		t.Run(name, func(t *testing.T) {
			archive := writeArchive(t, tarball(t, entry{name: "ok", typ: tar.TypeReg, body: "y"}, e))
			dir := filepath.Join(t.TempDir(), "out")

			err := acquire.Extract(context.Background(), archive, dir)
			require.ErrorIs(t, err, acquire.ErrUnsafePath)

			_, statErr := os.Stat(dir)
			assert.True(t, os.IsNotExist(statErr), "partial extraction must not appear at dir")
		})
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	archive := writeArchive(t, []byte("not gzip"))
	err := acquire.Extract(context.Background(), archive, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)

	err = acquire.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.tar.gz"), t.TempDir())
	require.Error(t, err)
}

func TestDownload(t *testing.T) {
	payload := bytes.Repeat([]byte("spleeter"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.4.0/2stems.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := acquire.NewFetcher(5 * time.Second)
	defer func() { _ = f.Close() }()

	dest := filepath.Join(t.TempDir(), "work", "2stems.tar.gz")
	require.NoError(t, f.Download(context.Background(), srv.URL+"/v1.4.0/2stems.tar.gz", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	_, err = os.Stat(dest + acquire.PartSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := acquire.NewFetcher(0)
	defer func() { _ = f.Close() }()

	dest := filepath.Join(t.TempDir(), "4stems.tar.gz")
	err := f.Download(context.Background(), srv.URL+"/4stems.tar.gz", dest)
	require.ErrorContains(t, err, "404")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + acquire.PartSuffix)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := acquire.NewFetcher(time.Second)
	defer func() { _ = f.Close() }()
	err := f.Download(context.Background(), url+"/x.tar.gz", filepath.Join(t.TempDir(), "x.tar.gz"))
	require.Error(t, err)
}
