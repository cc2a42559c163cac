package main

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMockFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
}

func keysOf(contents DirectoryContents) []FileKey {
	keys := make([]FileKey, 0, len(contents.Items))
	for _, item := range contents.Items {
		keys = append(keys, item.Key)
	}
	return keys
}

func TestScanFindsNestedFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/a.txt":              "a",
		"/folder1/folder2/b.txt":      "bb",
		"/folder1/folder2/deep/c.txt": "ccc",
		"/elsewhere/not-included.txt": "x",
	})

	scanner := &Scanner{Fs: fs, Root: "/folder1"}
	contents, scanErr := scanner.Scan()

	require.NoError(t, scanErr)
	assert.ElementsMatch(t, []FileKey{"a.txt", "folder2/b.txt", "folder2/deep/c.txt"}, keysOf(contents))
	assert.Equal(t, int64(2), contents.Map["folder2/b.txt"].Size)
	assert.Equal(t, "/folder1/folder2/b.txt", contents.Map["folder2/b.txt"].Path)
}

func TestScanDefaultExcludes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/keep.jpg":             "k",
		"/folder1/.DS_Store":            "x",
		"/folder1/sub/.ds_store":        "x",
		"/folder1/@eaDir/thumb.jpg":     "x",
		"/folder1/sub/@EADIR/thumb.jpg": "x",
		"/folder1/#recycle/deleted.jpg": "x",
		"/folder1/sub/recycle/kept.jpg": "k",
	})

	contents, scanErr := (&Scanner{Fs: fs, Root: "/folder1"}).Scan()

	require.NoError(t, scanErr)
	assert.ElementsMatch(t, []FileKey{"keep.jpg", "sub/recycle/kept.jpg"}, keysOf(contents))
}

func TestScanExcludePatterns(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/a.txt":       "a",
		"/folder1/a.tmp":       "a",
		"/folder1/sub/b.tmp":   "b",
		"/folder1/cache/c.txt": "c",
	})

	scanner := &Scanner{Fs: fs, Root: "/folder1", Exclude: []string{"**/*.tmp", "cache/**"}}
	contents, scanErr := scanner.Scan()

	require.NoError(t, scanErr)
	assert.ElementsMatch(t, []FileKey{"a.txt"}, keysOf(contents))
}

func TestScanRejectsBadPattern(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})

	_, scanErr := (&Scanner{Fs: fs, Root: "/folder1", Exclude: []string{"[a-"}}).Scan()
	assert.Error(t, scanErr)
}

func TestScanIgnoreFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/.syncignore":   "*.log\nbuild/\n",
		"/folder1/app.go":        "package main",
		"/folder1/debug.log":     "x",
		"/folder1/sub/trace.log": "x",
		"/folder1/build/out.bin": "x",
	})

	scanner := &Scanner{Fs: fs, Root: "/folder1", IgnoreFile: ".syncignore"}
	contents, scanErr := scanner.Scan()

	require.NoError(t, scanErr)
	assert.ElementsMatch(t, []FileKey{"app.go"}, keysOf(contents))
}

func TestScanMissingIgnoreFileIsFine(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})

	contents, scanErr := (&Scanner{Fs: fs, Root: "/folder1", IgnoreFile: ".syncignore"}).Scan()

	require.NoError(t, scanErr)
	assert.ElementsMatch(t, []FileKey{"a.txt"}, keysOf(contents))
}

func TestScanMissingRoot(t *testing.T) {
	_, scanErr := (&Scanner{Fs: afero.NewMemMapFs(), Root: "/nowhere"}).Scan()
	assert.Error(t, scanErr)
}

func TestScanRootIsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1": "not a dir"})

	_, scanErr := (&Scanner{Fs: fs, Root: "/folder1"}).Scan()
	assert.Error(t, scanErr)
}

func TestScanEmptyRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/folder1", 0o755))

	contents, scanErr := (&Scanner{Fs: fs, Root: "/folder1"}).Scan()

	require.NoError(t, scanErr)
	assert.Empty(t, contents.Items)
}
