package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/secretkv/internal/logging"
	"github.com/rendis/secretkv/internal/store"
	"github.com/rendis/secretkv/pkg/schema"
)

func decodeDump(t *testing.T, buf *bytes.Buffer) schema.DumpDocument {
	t.Helper()
	var doc schema.DumpDocument
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	return doc
}

func entryMap(doc schema.DumpDocument) map[string][]string {
	m := make(map[string][]string, len(doc.Entries))
	for _, e := range doc.Entries {
		m[e.Key] = e.Values
	}
	return m
}

func seededService(t *testing.T, repo store.Repository) *Service {
	t.Helper()
	svc := newTestService(t, repo)
	ctx := context.Background()
	requireOk(t, Set(ctx, svc, "db_password", "p1", testPassword), schema.FieldKeys, []string{"db_password"})
	requireOk(t, Set(ctx, svc, "db_password", "p2", testPassword), schema.FieldKeys, []string{"db_password"})
	requireOk(t, Set(ctx, svc, "api_token", "t1", testPassword), schema.FieldKeys, []string{"api_token"})
	requireOk(t, Set(ctx, svc, "old", "o1", testPassword), schema.FieldKeys, []string{"old"})
	requireOk(t, Delete(ctx, svc, "old", testPassword), schema.FieldKeys, []string{"old"})
	return svc
}

func TestDump_PlaintextLatest(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	var buf bytes.Buffer

	r := Dump(context.Background(), svc, testPassword, DumpOptions{Plaintext: true}, &buf)
	require.True(t, r.IsOk())
	assert.ElementsMatch(t, []string{"db_password", "api_token", "old"}, r.Data[schema.FieldKeys])

	doc := decodeDump(t, &buf)
	assert.Equal(t, schema.DumpFormat, doc.Format)
	assert.Equal(t, schema.DumpVersion, doc.Version)
	assert.False(t, doc.Encrypted)
	_, err := uuid.Parse(doc.ID)
	require.NoError(t, err)
	assert.False(t, doc.CreatedAt.IsZero())

	assert.Equal(t, map[string][]string{
		"db_password": {"p2"},
		"api_token":   {"t1"},
		"old":         {""},
	}, entryMap(doc))

	require.NoError(t, svc.validator.ValidateDump(buf.Bytes()))
}

func TestDump_PlaintextHistory(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	var buf bytes.Buffer

	r := Dump(context.Background(), svc, testPassword, DumpOptions{Plaintext: true, History: true}, &buf)
	require.True(t, r.IsOk())

	assert.Equal(t, map[string][]string{
		"db_password": {"p1", "p2"},
		"api_token":   {"t1"},
		"old":         {"o1", ""},
	}, entryMap(decodeDump(t, &buf)))
}

func TestDump_EncryptedKeepsCiphertextAndCanary(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	var buf bytes.Buffer

	r := Dump(context.Background(), svc, testPassword, DumpOptions{History: true}, &buf)
	require.True(t, r.IsOk())
	assert.ElementsMatch(t, []string{"db_password", "api_token", "old"}, r.Data[schema.FieldKeys])

	doc := decodeDump(t, &buf)
	assert.True(t, doc.Encrypted)
	assert.Len(t, doc.Entries, 4, "canary is part of an encrypted dump")

	raw := buf.String()
	for _, plain := range []string{"db_password", "api_token", "p1", "p2", "t1", CanaryKey} {
		assert.NotContains(t, raw, `"`+plain+`"`)
	}
	require.NoError(t, svc.validator.ValidateDump(buf.Bytes()))
}

func TestDump_Query(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	var buf bytes.Buffer

	r := Dump(context.Background(), svc, testPassword, DumpOptions{
		Plaintext: true,
		Query:     `.entries |= map(select(.key | startswith("db_")))`,
	}, &buf)
	requireOk(t, r, schema.FieldKeys, []string{"db_password"})

	doc := decodeDump(t, &buf)
	assert.Equal(t, map[string][]string{"db_password": {"p2"}}, entryMap(doc))
}

func TestDump_QueryNonDocumentOutput(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	var buf bytes.Buffer

	r := Dump(context.Background(), svc, testPassword, DumpOptions{Plaintext: true, Query: `[.entries[].key] | length`}, &buf)
	requireOk(t, r, schema.FieldKeys, []string{})
	assert.Equal(t, "3", strings.TrimSpace(buf.String()))
}

func TestDump_Errors(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	ctx := context.Background()

	var buf bytes.Buffer
	requireErr(t, Dump(ctx, svc, "wrong", DumpOptions{Plaintext: true}, &buf), schema.FieldKeys)
	assert.Zero(t, buf.Len(), "nothing is written on a wrong password")

	requireErr(t, Dump(ctx, svc, testPassword, DumpOptions{Query: `.[`}, &buf), schema.FieldKeys)
	assert.Zero(t, buf.Len())
}

func TestDump_EmptyStore(t *testing.T) {
	svc := newTestService(t, store.NewMemoryRepository())
	var buf bytes.Buffer

	requireOk(t, Dump(context.Background(), svc, testPassword, DumpOptions{Plaintext: true}, &buf), schema.FieldKeys, []string{})
	assert.Empty(t, decodeDump(t, &buf).Entries)
}

func TestRestore_EncryptedRoundTrip(t *testing.T) {
	src := seededService(t, newFileRepo(t))
	ctx := context.Background()

	var buf bytes.Buffer
	require.True(t, Dump(ctx, src, testPassword, DumpOptions{History: true}, &buf).IsOk())

	dst := newTestService(t, newLibSQLRepo(t))
	r := Restore(ctx, dst, testPassword, RestoreOptions{}, &buf)
	require.True(t, r.IsOk())
	assert.ElementsMatch(t, []string{"db_password", "api_token", "old"}, r.Data[schema.FieldKeys])

	requireOk(t, Get(ctx, dst, "db_password", testPassword, true), schema.FieldValues, []string{"p1", "p2"})
	requireOk(t, Get(ctx, dst, "old", testPassword, true), schema.FieldValues, []string{"o1", ""})
	requireOk(t, List(ctx, dst, testPassword, ListOptions{}), schema.FieldKeys, []string{"api_token", "db_password"})
	requireOk(t, List(ctx, dst, testPassword, ListOptions{IncludeDeleted: true}), schema.FieldKeys, []string{"api_token", "db_password", "old"})

	// The canary was bootstrapped once, not copied alongside.
	canary, err := dst.GetHistoryFromKey(ctx, CanaryKey)
	require.NoError(t, err)
	assert.Len(t, canary, 1)
}

func TestRestore_PlaintextIntoEmptyStore(t *testing.T) {
	dump := `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d",
		"created_at":"2026-01-02T15:04:05Z","encrypted":false,
		"entries":[{"key":"k1","values":["a","b"]},{"key":"k2","values":["x",""]}]}`

	svc := newTestService(t, store.NewMemoryRepository())
	ctx := context.Background()

	requireOk(t, Restore(ctx, svc, "new-pass", RestoreOptions{}, strings.NewReader(dump)), schema.FieldKeys, []string{"k1", "k2"})
	requireOk(t, Get(ctx, svc, "k1", "new-pass", true), schema.FieldValues, []string{"a", "b"})
	requireErr(t, Get(ctx, svc, "k2", "new-pass", false), schema.FieldValues)
	requireErr(t, List(ctx, svc, testPassword, ListOptions{}), schema.FieldKeys)
}

func TestRestore_AppendsToExisting(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	ctx := context.Background()
	dump := `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d",
		"created_at":"2026-01-02T15:04:05Z","encrypted":false,
		"entries":[{"key":"api_token","values":["t2"]}]}`

	requireOk(t, Restore(ctx, svc, testPassword, RestoreOptions{}, strings.NewReader(dump)), schema.FieldKeys, []string{"api_token"})
	requireOk(t, Get(ctx, svc, "api_token", testPassword, true), schema.FieldValues, []string{"t1", "t2"})
	requireOk(t, List(ctx, svc, testPassword, ListOptions{}), schema.FieldKeys, []string{"api_token", "db_password"})
}

func TestRestore_Replace(t *testing.T) {
	svc := seededService(t, newFileRepo(t))
	ctx := context.Background()
	dump := `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d",
		"created_at":"2026-01-02T15:04:05Z","encrypted":false,
		"entries":[{"key":"fresh","values":["f1"]}]}`

	requireOk(t, Restore(ctx, svc, testPassword, RestoreOptions{Replace: true}, strings.NewReader(dump)), schema.FieldKeys, []string{"fresh"})
	requireOk(t, List(ctx, svc, testPassword, ListOptions{IncludeDeleted: true}), schema.FieldKeys, []string{"fresh"})
	requireErr(t, Get(ctx, svc, "db_password", testPassword, true), schema.FieldValues)
}

func TestRestore_ReplaceRequiresCurrentPassword(t *testing.T) {
	svc := seededService(t, store.NewMemoryRepository())
	ctx := context.Background()
	dump := `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d",
		"created_at":"2026-01-02T15:04:05Z","encrypted":false,
		"entries":[{"key":"fresh","values":["f1"]}]}`

	requireErr(t, Restore(ctx, svc, "other", RestoreOptions{}, strings.NewReader(dump)), schema.FieldKeys)
	requireOk(t, Get(ctx, svc, "db_password", testPassword, false), schema.FieldValues, []string{"p2"})
}

func TestRestore_Rejected(t *testing.T) {
	src := seededService(t, store.NewMemoryRepository())
	ctx := context.Background()
	var encrypted bytes.Buffer
	require.True(t, Dump(ctx, src, testPassword, DumpOptions{}, &encrypted).IsOk())

	tests := []struct {
		name     string
		password string
		dump     string
		opts     []Option
	}{
		{"wrong password for encrypted dump", "wrong", encrypted.String(), nil},
		{"invalid json", testPassword, `{`, nil},
		{"schema violation", testPassword, `{"format":"skv-dump","version":1}`, nil},
		{"empty key", testPassword, `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d","created_at":"2026-01-02T15:04:05Z","encrypted":false,"entries":[{"key":"ok","values":["v"]},{"key":"","values":["v"]}]}`, nil},
		{"policy violation", testPassword, `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d","created_at":"2026-01-02T15:04:05Z","encrypted":false,"entries":[{"key":"ok","values":["v"]},{"key":"BAD KEY","values":["v"]}]}`,
			[]Option{WithKeyPolicy(`key matches "^[a-z]+$"`)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dst := newTestService(t, store.NewMemoryRepository(), tc.opts...)
			requireErr(t, Restore(ctx, dst, tc.password, RestoreOptions{}, strings.NewReader(tc.dump)), schema.FieldKeys)
			assert.True(t, dst.repo.IsEmpty(ctx), "nothing is written when a dump is rejected")
		})
	}
}

func TestRestore_PlaintextSkipsCanaryEntry(t *testing.T) {
	dump := `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d",
		"created_at":"2026-01-02T15:04:05Z","encrypted":false,
		"entries":[{"key":"` + CanaryKey + `","values":["forged"]},{"key":"k","values":["v"]}]}`

	svc := newTestService(t, store.NewMemoryRepository())
	ctx := context.Background()

	requireOk(t, Restore(ctx, svc, testPassword, RestoreOptions{}, strings.NewReader(dump)), schema.FieldKeys, []string{"k"})
	canary, err := svc.GetHistoryFromKey(ctx, CanaryKey)
	require.NoError(t, err)
	assert.Equal(t, []string{reverse(CanaryKey)}, canary)
}

// failingSaveRepo refuses every Save from the failAt-th call on.
type failingSaveRepo struct {
	store.Repository
	saves  int
	failAt int
}

func (r *failingSaveRepo) Save(ctx context.Context, secret store.Secret) bool {
	r.saves++
	if r.saves >= r.failAt {
		return false
	}
	return r.Repository.Save(ctx, secret)
}

func TestRestore_InterruptedLogsProgress(t *testing.T) {
	var logs bytes.Buffer
	// Save 1 bootstraps the canary, saves 2 and 3 restore a and b, save 4 (c) fails.
	repo := &failingSaveRepo{Repository: store.NewMemoryRepository(), failAt: 4}
	svc := newTestService(t, repo, WithLogger(logging.NewLogger(&logs, slog.LevelDebug)))
	ctx := context.Background()

	dump := `{"format":"skv-dump","version":1,"id":"0b5e3c6a-8f0e-4f53-9d52-6f1f7b1a2c3d","created_at":"2026-01-02T15:04:05Z","encrypted":false,"entries":[{"key":"a","values":["1"]},{"key":"b","values":["2"]},{"key":"c","values":["3"]}]}`
	requireErr(t, Restore(ctx, svc, testPassword, RestoreOptions{}, strings.NewReader(dump)), schema.FieldKeys)

	out := logs.String()
	assert.Contains(t, out, "restore interrupted")
	assert.Contains(t, out, "restored_entries=2")
	assert.Contains(t, out, "written_versions=2")
	assert.Contains(t, out, "total_entries=3")
	assert.Contains(t, out, "replace=false")

	requireOk(t, Get(ctx, svc, "a", testPassword, false), schema.FieldValues, []string{"1"})
	requireErr(t, Get(ctx, svc, "c", testPassword, false), schema.FieldValues)
}
