package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/rendis/secretkv/internal/secrets"
)

// FileRepository persists the whole versioned map as one JSON document:
//
//	{"<key ciphertext>": [["<value ciphertext>", 1], ["<value ciphertext>", 2]], ...}
//
// Every read loads the full document and every Save rewrites it. A sidecar
// lock file serializes writers across processes and the rewrite is an atomic
// rename. I/O, lock, parse, and validation failures are logged and reported as
// an empty store, a miss, or false.
type FileRepository struct {
	path      string
	lock      *flock.Flock
	validator DocumentValidator
	logger    *slog.Logger

	mu sync.Mutex
}

// FileOption configures a FileRepository.
type FileOption func(*FileRepository)

// WithFileLogger sets the logger used for swallowed persistence faults.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(f *FileRepository) { f.logger = l }
}

// WithFileValidator validates each loaded document before it is used.
func WithFileValidator(v DocumentValidator) FileOption {
	return func(f *FileRepository) { f.validator = v }
}

// NewFileRepository opens the document at path, creating it (and its
// directory) with an empty map if it does not exist. A leading "~/" is
// expanded to the user's home directory.
func NewFileRepository(path string, opts ...FileOption) (*FileRepository, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	f := &FileRepository{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(f)
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
			return nil, fmt.Errorf("create store file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat store file: %w", err)
	}
	return f, nil
}

func (f *FileRepository) ListLatestVersion(ctx context.Context) []Secret {
	doc, ok := f.read(ctx)
	if !ok {
		return []Secret{}
	}

	keys := make([]string, 0, len(doc))
	for k, history := range doc {
		if len(history) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Secret, 0, len(keys))
	for _, k := range keys {
		out = append(out, latest(secrets.Ciphertext(k), doc.history(k)))
	}
	return out
}

func (f *FileRepository) RetrieveByKey(ctx context.Context, key secrets.Ciphertext) (Secret, bool) {
	doc, ok := f.read(ctx)
	if !ok {
		return Secret{}, false
	}
	history := doc.history(string(key))
	if len(history) == 0 {
		return Secret{}, false
	}
	return latest(key, history), true
}

func (f *FileRepository) RetrieveHistory(ctx context.Context, key secrets.Ciphertext) []Secret {
	doc, ok := f.read(ctx)
	if !ok {
		return []Secret{}
	}
	return toSecrets(key, doc.history(string(key)))
}

func (f *FileRepository) Save(ctx context.Context, secret Secret) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.Lock(); err != nil {
		f.fault(ctx, "lock store", err)
		return false
	}
	defer f.unlock(ctx)

	doc, err := f.load()
	if err != nil {
		f.fault(ctx, "load store", err)
		return false
	}

	k := string(secret.Key)
	history := doc.history(k)
	doc[k] = append(doc[k], filePair{Value: string(secret.Value), Number: nextVersion(history)})

	if err := f.write(doc); err != nil {
		f.fault(ctx, "write store", err)
		return false
	}
	return true
}

// IsEmpty reports whether no key has a stored version. Keys mapped to an
// empty history do not count.
func (f *FileRepository) IsEmpty(ctx context.Context) bool {
	doc, ok := f.read(ctx)
	if !ok {
		return true
	}
	for _, pairs := range doc {
		if len(pairs) > 0 {
			return false
		}
	}
	return true
}

// Clear removes the document. The next Save recreates it.
func (f *FileRepository) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer f.unlock(ctx)

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove store file: %w", err)
	}
	return nil
}

func (f *FileRepository) Close() error {
	return f.lock.Close()
}

// read loads the document under a shared lock. ok is false on any fault.
func (f *FileRepository) read(ctx context.Context) (fileDocument, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.RLock(); err != nil {
		f.fault(ctx, "lock store", err)
		return nil, false
	}
	defer f.unlock(ctx)

	doc, err := f.load()
	if err != nil {
		f.fault(ctx, "load store", err)
		return nil, false
	}
	return doc, true
}

// load reads and decodes the document. A missing file is an empty store.
// Caller must hold the file lock.
func (f *FileRepository) load() (fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	if f.validator != nil {
		if err := f.validator.ValidateStoreDocument(data); err != nil {
			return nil, fmt.Errorf("validate %s: %w", f.path, err)
		}
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	if doc == nil {
		doc = fileDocument{}
	}
	for k := range doc {
		sort.SliceStable(doc[k], func(i, j int) bool { return doc[k][i].Number < doc[k][j].Number })
	}
	return doc, nil
}

// write replaces the document atomically via a temp file + rename.
// Caller must hold the exclusive file lock.
func (f *FileRepository) write(doc fileDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write tmp store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (f *FileRepository) unlock(ctx context.Context) {
	if err := f.lock.Unlock(); err != nil {
		f.fault(ctx, "unlock store", err)
	}
}

func (f *FileRepository) fault(ctx context.Context, op string, err error) {
	f.logger.WarnContext(ctx, "file store fault", "op", op, "path", f.path, "error", err)
}

// fileDocument is the persisted layout: key ciphertext -> [[value, version], ...].
type fileDocument map[string][]filePair

func (d fileDocument) history(key string) []Version {
	pairs := d[key]
	out := make([]Version, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Version{Value: secrets.Ciphertext(p.Value), Number: p.Number})
	}
	return out
}

// filePair encodes as a two-element JSON array: [value, version].
type filePair struct {
	Value  string
	Number int
}

func (p filePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Value, p.Number})
}

func (p *filePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("version entry has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Value); err != nil {
		return fmt.Errorf("version value: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Number); err != nil {
		return fmt.Errorf("version number: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

var _ Repository = (*FileRepository)(nil)
