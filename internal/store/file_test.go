package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileRepo(t *testing.T, path string, opts ...FileOption) *FileRepository {
	t.Helper()
	r, err := NewFileRepository(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type rejectingValidator struct{}

func (rejectingValidator) ValidateStoreDocument([]byte) error {
	return errors.New("rejected")
}

func TestFileRepository_CreatesEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "secrets.json")
	newTestFileRepo(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestFileRepository_KeepsExistingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":[["v",1]]}`), 0o600))

	r := newTestFileRepo(t, path)
	got, ok := r.RetrieveByKey(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, secret("k", "v"), got)
}

func TestFileRepository_PersistedLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	r := newTestFileRepo(t, path)
	ctx := context.Background()

	require.True(t, r.Save(ctx, secret("k", "v1")))
	require.True(t, r.Save(ctx, secret("k", "v2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":[["v1",1],["v2",2]]}`, string(data))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a save")
}

func TestFileRepository_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	ctx := context.Background()

	first := newTestFileRepo(t, path)
	require.True(t, first.Save(ctx, secret("k", "v1")))
	require.NoError(t, first.Close())

	second := newTestFileRepo(t, path)
	require.True(t, second.Save(ctx, secret("k", "v2")))
	assert.Equal(t, []Secret{secret("k", "v1"), secret("k", "v2")}, second.RetrieveHistory(ctx, "k"))
}

func TestFileRepository_UnorderedHistoryIsSorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":[["v2",2],["v1",1]]}`), 0o600))
	r := newTestFileRepo(t, path)
	ctx := context.Background()

	got, ok := r.RetrieveByKey(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, secret("k", "v2"), got)

	require.True(t, r.Save(ctx, secret("k", "v3")))
	assert.Equal(t,
		[]Secret{secret("k", "v1"), secret("k", "v2"), secret("k", "v3")},
		r.RetrieveHistory(ctx, "k"))
}

func TestFileRepository_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	r := newTestFileRepo(t, path)
	ctx := context.Background()
	require.NoError(t, os.Remove(path))

	assert.True(t, r.IsEmpty(ctx))
	assert.Empty(t, r.ListLatestVersion(ctx))

	require.True(t, r.Save(ctx, secret("k", "v")))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestFileRepository_CorruptDocumentIsSwallowed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", `{{{`},
		{"wrong shape", `{"k":"v"}`},
		{"short tuple", `{"k":[["v"]]}`},
		{"empty file", ``},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "secrets.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))
			r := newTestFileRepo(t, path)
			ctx := context.Background()

			assert.True(t, r.IsEmpty(ctx))
			assert.Empty(t, r.ListLatestVersion(ctx))
			assert.Empty(t, r.RetrieveHistory(ctx, "k"))
			_, ok := r.RetrieveByKey(ctx, "k")
			assert.False(t, ok)
			assert.False(t, r.Save(ctx, secret("k", "v2")), "save must not overwrite an unreadable document")

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tc.content, string(data))
		})
	}
}

func TestFileRepository_EmptyHistoryIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"x":[]}`), 0o600))
	r := newTestFileRepo(t, path)
	ctx := context.Background()

	assert.True(t, r.IsEmpty(ctx))
	assert.Empty(t, r.ListLatestVersion(ctx))

	require.True(t, r.Save(ctx, secret("k", "v")))
	assert.False(t, r.IsEmpty(ctx))
}

func TestFileRepository_ValidatorRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	r := newTestFileRepo(t, path, WithFileValidator(rejectingValidator{}))
	ctx := context.Background()

	assert.False(t, r.Save(ctx, secret("k", "v")))
	assert.True(t, r.IsEmpty(ctx))
}

func TestFileRepository_ClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	r := newTestFileRepo(t, path)
	ctx := context.Background()

	require.True(t, r.Save(ctx, secret("k", "v")))
	require.NoError(t, r.Clear(ctx))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Clearing twice is fine.
	require.NoError(t, r.Clear(ctx))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		in   string
		want string
	}{
		{"~/.skv/secrets.json", filepath.Join(home, ".skv", "secrets.json")},
		{"~", home},
		{"/abs/path.json", "/abs/path.json"},
		{"rel/path.json", "rel/path.json"},
		{"~other/x", "~other/x"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := expandHome(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
