package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestCompressExtractRoundTrip(t *testing.T) {
	files := map[string]string{
		"backup_metadata.json":       `{"name":"nightly"}`,
		"database/catalog_product.json": `[{"model":"catalog.product"}]`,
		"media/products/a/photo.jpg": "jpeg-bytes",
	}

	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		t.Run(ext, func(t *testing.T) {
			src := t.TempDir()
			writeTree(t, src, files)

			archivePath := filepath.Join(t.TempDir(), "backup"+ext)
			result, err := Compress(src, archivePath)
			require.NoError(t, err)
			assert.Positive(t, result.OriginalSize)
			assert.Positive(t, result.CompressedSize)

			dest := t.TempDir()
			require.NoError(t, Extract(archivePath, dest))
			assert.Equal(t, files, readTree(t, dest))
		})
	}
}

func TestCompress_UnsupportedFormat(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "x"})

	_, err := Compress(src, filepath.Join(t.TempDir(), "backup.rar"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	err = Extract(filepath.Join(t.TempDir(), "backup.7z"), t.TempDir())
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractionRoot_SingleTopLevelDirectory(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"wrapper/inner.txt": "x"})

	archivePath := filepath.Join(t.TempDir(), "wrapped.tar.gz")
	_, err := Compress(src, archivePath)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, Extract(archivePath, dest))

	root, err := ExtractionRoot(dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "wrapper"), root)

	_, err = os.Stat(filepath.Join(root, "inner.txt"))
	assert.NoError(t, err)
}

func TestExtractionRoot_FlatArchive(t *testing.T) {
	dest := t.TempDir()
	writeTree(t, dest, map[string]string{"a.txt": "x", "b.txt": "y"})

	root, err := ExtractionRoot(dest)
	require.NoError(t, err)
	assert.Equal(t, dest, root)
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("x.tar.gz"))
	assert.True(t, IsSupported("x.tgz"))
	assert.True(t, IsSupported("x.zip"))
	assert.False(t, IsSupported("x.gz"))
	assert.False(t, IsSupported("x"))
}
