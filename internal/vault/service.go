// Package vault orchestrates the cipher engine and a store repository into a
// password-protected, versioned key-value vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/secretkv/internal/expressions"
	"github.com/rendis/secretkv/internal/logging"
	"github.com/rendis/secretkv/internal/secrets"
	"github.com/rendis/secretkv/internal/store"
	"github.com/rendis/secretkv/internal/validation"
	"github.com/rendis/secretkv/pkg/schema"
)

// CanaryKey is the reserved entry whose value proves the password. Its value
// is the key reversed. It never appears in caller-facing results.
const CanaryKey = "__secretkv__"

// tombstone is the value of a deleted version.
const tombstone = ""

// Service owns a Repository and the Engine that encrypts for it. Exported
// methods are serialized by an internal mutex; each caller-facing operation
// holds the mutex from configuration to completion.
type Service struct {
	mu sync.Mutex

	repo      store.Repository
	engine    *secrets.Engine
	logger    *slog.Logger
	backend   string
	keyPolicy string

	policy    *expressions.KeyPolicy
	policyErr error
	filters   *expressions.CELEngine
	transform *expressions.DumpTransformer
	validator *validation.DocumentValidator
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithBackend names the store backing in log records.
func WithBackend(name string) Option {
	return func(s *Service) { s.backend = name }
}

// WithKeyPolicy sets an Expr boolean expression over `key` that new keys must satisfy.
func WithKeyPolicy(expression string) Option {
	return func(s *Service) { s.keyPolicy = expression }
}

// WithValidator reuses an existing document validator.
func WithValidator(v *validation.DocumentValidator) Option {
	return func(s *Service) { s.validator = v }
}

// NewService wires repo and engine together. The engine is owned by the
// Service from here on and is reconfigured by every operation.
func NewService(repo store.Repository, engine *secrets.Engine, opts ...Option) (*Service, error) {
	s := &Service{
		repo:      repo,
		engine:    engine,
		logger:    slog.New(slog.DiscardHandler),
		transform: expressions.NewDumpTransformer(),
	}
	for _, o := range opts {
		o(s)
	}

	// A broken policy rejects every write instead of failing reads.
	if s.keyPolicy != "" {
		s.policy, s.policyErr = expressions.CompileKeyPolicy(s.keyPolicy)
		if s.policyErr != nil {
			s.logger.Warn("key policy rejected, writes will fail", "error", s.policyErr)
		}
	}

	filters, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("list filter engine: %w", err)
	}
	s.filters = filters

	if s.validator == nil {
		v, err := validation.NewDocumentValidator()
		if err != nil {
			return nil, fmt.Errorf("document validator: %w", err)
		}
		s.validator = v
	}
	return s, nil
}

// Close drops the key material and closes the repository.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Destroy()
	return s.repo.Close()
}

// Configure derives key material from password.
func (s *Service) Configure(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Configure(password)
}

// VerifyPassword bootstraps the canary on an empty store, otherwise reports
// whether the canary is found and decrypts to a non-empty value.
func (s *Service) VerifyPassword(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyPassword(ctx)
}

// ListEveryKey decrypts every stored key except the canary. Tombstoned keys
// are included only when includeDeleted is set.
func (s *Service) ListEveryKey(ctx context.Context, includeDeleted bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listEveryKey(ctx, includeDeleted)
}

// GetValueFromKey returns the latest plaintext value for key. ok is false if
// the key was never stored under the current password.
func (s *Service) GetValueFromKey(ctx context.Context, key string) (value string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getValueFromKey(ctx, key)
}

// GetHistoryFromKey returns every plaintext value of key, oldest first.
func (s *Service) GetHistoryFromKey(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getHistoryFromKey(ctx, key)
}

// CreateOrAppend stores value as the next version of key.
func (s *Service) CreateOrAppend(ctx context.Context, key, value string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOrAppend(ctx, key, value)
}

// MarkAsDeleted appends a tombstone to key. ok is false if the key is missing
// or already deleted.
func (s *Service) MarkAsDeleted(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markAsDeleted(ctx, key)
}

func (s *Service) verifyPassword(ctx context.Context) bool {
	if s.repo.IsEmpty(ctx) {
		_, ok, err := s.createOrAppend(ctx, CanaryKey, reverse(CanaryKey))
		if err != nil || !ok {
			s.logger.DebugContext(ctx, "canary bootstrap failed", "error", err)
			return false
		}
		s.logger.InfoContext(ctx, "store initialized")
		return true
	}

	value, ok, err := s.getValueFromKey(ctx, CanaryKey)
	if err != nil {
		s.logger.DebugContext(ctx, "canary unreadable", "error", err)
		return false
	}
	return ok && value != ""
}

// entry is a decrypted key with its latest-state flag.
type entry struct {
	key     string
	deleted bool
}

func (s *Service) entries(ctx context.Context) ([]entry, error) {
	latest := s.repo.ListLatestVersion(ctx)
	out := make([]entry, 0, len(latest))
	for _, sec := range latest {
		key, err := s.engine.Decrypt(sec.Key)
		if err != nil {
			return nil, err
		}
		if key == CanaryKey {
			continue
		}
		value, err := s.engine.Decrypt(sec.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{key: key, deleted: value == tombstone})
	}
	return out, nil
}

func (s *Service) listEveryKey(ctx context.Context, includeDeleted bool) ([]string, error) {
	all, err := s.entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, e := range all {
		if e.deleted && !includeDeleted {
			continue
		}
		keys = append(keys, e.key)
	}
	return keys, nil
}

func (s *Service) getValueFromKey(ctx context.Context, key string) (string, bool, error) {
	ct, err := s.engine.Encrypt(key, true)
	if err != nil {
		return "", false, err
	}
	sec, ok := s.repo.RetrieveByKey(ctx, ct)
	if !ok {
		return "", false, nil
	}
	value, err := s.engine.Decrypt(sec.Value)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Service) getHistoryFromKey(ctx context.Context, key string) ([]string, error) {
	ct, err := s.engine.Encrypt(key, true)
	if err != nil {
		return nil, err
	}
	history := s.repo.RetrieveHistory(ctx, ct)
	values := make([]string, 0, len(history))
	for _, sec := range history {
		v, err := s.engine.Decrypt(sec.Value)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (s *Service) createOrAppend(ctx context.Context, key, value string) (string, bool, error) {
	keyCT, err := s.engine.Encrypt(key, true)
	if err != nil {
		return "", false, err
	}
	valueCT, err := s.engine.Encrypt(value, false)
	if err != nil {
		return "", false, err
	}
	if !s.repo.Save(ctx, store.Secret{Key: keyCT, Value: valueCT}) {
		return "", false, nil
	}
	return key, true, nil
}

func (s *Service) markAsDeleted(ctx context.Context, key string) (string, bool, error) {
	current, ok, err := s.getValueFromKey(ctx, key)
	if err != nil || !ok || current == tombstone {
		return "", false, err
	}
	return s.createOrAppend(ctx, key, tombstone)
}

// checkKey rejects keys no caller-facing operation may touch.
func checkKey(key string) error {
	switch key {
	case "":
		return schema.NewError(schema.ErrCodeInvalidKey, "empty key")
	case CanaryKey:
		return schema.NewError(schema.ErrCodeInvalidKey, "reserved key")
	}
	return nil
}

// checkPolicy applies the configured key policy to a key about to be written.
func (s *Service) checkPolicy(ctx context.Context, key string) error {
	if s.policyErr != nil {
		return s.policyErr
	}
	if s.policy == nil {
		return nil
	}
	ok, err := s.policy.Allows(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "key rejected by policy")
	}
	return nil
}

// begin starts a caller-facing operation: it locks the service, tags ctx for
// logging, and configures the engine. The returned func releases the lock.
func (s *Service) begin(ctx context.Context, op, password string) (context.Context, func()) {
	ctx = logging.StartOp(ctx, op)
	if s.backend != "" {
		ctx = logging.WithBackend(ctx, s.backend)
	}
	s.mu.Lock()
	s.engine.Configure(password)
	return ctx, s.mu.Unlock
}

func reverse(v string) string {
	r := []rune(v)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
