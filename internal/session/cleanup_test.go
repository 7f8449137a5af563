package session

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want FileClass
	}{
		{name: "SingletonLock", want: ClassVolatile},
		{name: "SingletonCookie", want: ClassVolatile},
		{name: "SingletonSocket", want: ClassVolatile},
		{name: "DevToolsActivePort", want: ClassVolatile},
		{name: "lockfile", want: ClassVolatile},
		{name: ".org.chromium.Chromium.abc123", want: ClassVolatile},
		{name: ".com.google.Chrome.x7Yt2w", want: ClassVolatile},
		{name: "Cookies", want: ClassDurableAuth},
		{name: "Cookies-journal", want: ClassDurableAuth},
		{name: "Login Data", want: ClassDurableAuth},
		{name: "Login Data-journal", want: ClassDurableAuth},
		{name: "Local Storage", want: ClassDurableAuth},
		{name: "IndexedDB", want: ClassDurableAuth},
		{name: "Session Storage", want: ClassDurableAuth},
		{name: "Local State", want: ClassDurableAuth},
		{name: "Preferences", want: ClassDurableAuth},
		{name: "History", want: ClassUnknown},
		{name: "Default", want: ClassUnknown},
		{name: "session-store", want: ClassUnknown},
		{name: "", want: ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.name))
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCleanProfileDir_RemovesVolatilePreservesAuth(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "SingletonLock"), "host-1234")
	writeFile(t, filepath.Join(dir, "Cookies"), "auth-cookie-bytes")
	writeFile(t, filepath.Join(dir, "Local State"), `{"os_crypt":{}}`)

	err := CleanProfileDir(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "SingletonLock"))

	// Durable auth state is byte-identical after cleanup
	cookie, err := os.ReadFile(filepath.Join(dir, "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "auth-cookie-bytes", string(cookie))

	state, err := os.ReadFile(filepath.Join(dir, "Local State"))
	require.NoError(t, err)
	assert.Equal(t, `{"os_crypt":{}}`, string(state))
}

func TestCleanProfileDir_RecursesIntoNestedProfiles(t *testing.T) {
	dir := t.TempDir()

	nested := filepath.Join(dir, "session-main", "Default")
	writeFile(t, filepath.Join(dir, "session-main", "SingletonLock"), "x")
	writeFile(t, filepath.Join(nested, "lockfile"), "x")
	writeFile(t, filepath.Join(nested, "Cookies-journal"), "journal")

	err := CleanProfileDir(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "session-main", "SingletonLock"))
	assert.NoFileExists(t, filepath.Join(nested, "lockfile"))
	assert.FileExists(t, filepath.Join(nested, "Cookies-journal"))
}

func TestCleanProfileDir_BoundedDepth(t *testing.T) {
	dir := t.TempDir()

	deep := filepath.Join(dir, "a", "b", "c", "d", "e")
	writeFile(t, filepath.Join(deep, "SingletonLock"), "x")

	err := CleanProfileDir(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	// Beyond the depth bound the artifact is left alone
	assert.FileExists(t, filepath.Join(deep, "SingletonLock"))
}

func TestCleanProfileDir_DoesNotDescendIntoAuthDirectories(t *testing.T) {
	dir := t.TempDir()

	inAuth := filepath.Join(dir, "IndexedDB", "SingletonLock")
	writeFile(t, inAuth, "not actually a lock")

	err := CleanProfileDir(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.FileExists(t, inAuth)
}

func TestCleanProfileDir_MissingDirIsNotAnError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	assert.NoError(t, CleanProfileDir(dir, slog.New(slog.NewTextHandler(io.Discard, nil))))
}
