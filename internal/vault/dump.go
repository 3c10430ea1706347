package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/secretkv/internal/secrets"
	"github.com/rendis/secretkv/pkg/schema"
)

// DumpOptions controls Dump.
type DumpOptions struct {
	// Plaintext writes decrypted keys and values and omits the canary.
	Plaintext bool
	// History writes every version instead of only the latest.
	History bool
	// Query is an optional jq program applied to the document before writing.
	Query string
}

// RestoreOptions controls Restore.
type RestoreOptions struct {
	// Replace clears the store before restoring.
	Replace bool
}

// Dump writes the store to w and returns the dumped keys under {"keys": [...]}.
func Dump(ctx context.Context, svc *Service, password string, opts DumpOptions, w io.Writer) schema.Result {
	ctx, done := svc.begin(ctx, "dump", password)
	defer done()

	if !svc.verifyPassword(ctx) {
		return svc.fail(ctx, schema.FieldKeys, errPasswordMismatch())
	}

	doc, plainKeys, err := svc.buildDump(ctx, opts)
	if err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}

	var out any = doc
	keys := orderedKeys(doc, plainKeys)
	if opts.Query != "" {
		out, keys, err = svc.transformDump(ctx, doc, plainKeys, opts.Query)
		if err != nil {
			return svc.fail(ctx, schema.FieldKeys, err)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return svc.fail(ctx, schema.FieldKeys, fmt.Errorf("write dump: %w", err))
	}

	svc.logger.InfoContext(ctx, "store dumped", "entries", len(keys), "encrypted", doc.Encrypted)
	return schema.Ok(schema.FieldKeys, keys)
}

// buildDump collects entries in store enumeration order. plainKeys maps each
// entry key as written to its plaintext key; the canary maps to itself.
func (s *Service) buildDump(ctx context.Context, opts DumpOptions) (*schema.DumpDocument, map[string]string, error) {
	doc := &schema.DumpDocument{
		Format:    schema.DumpFormat,
		Version:   schema.DumpVersion,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Encrypted: !opts.Plaintext,
		Entries:   []schema.DumpEntry{},
	}
	plainKeys := make(map[string]string)

	for _, latest := range s.repo.ListLatestVersion(ctx) {
		key, err := s.engine.Decrypt(latest.Key)
		if err != nil {
			return nil, nil, err
		}
		if opts.Plaintext && key == CanaryKey {
			continue
		}

		versions := []secrets.Ciphertext{latest.Value}
		if opts.History {
			versions = versions[:0]
			for _, sec := range s.repo.RetrieveHistory(ctx, latest.Key) {
				versions = append(versions, sec.Value)
			}
		}

		entry := schema.DumpEntry{Key: string(latest.Key), Values: make([]string, 0, len(versions))}
		if opts.Plaintext {
			entry.Key = key
		}
		for _, v := range versions {
			if !opts.Plaintext {
				entry.Values = append(entry.Values, string(v))
				continue
			}
			plain, err := s.engine.Decrypt(v)
			if err != nil {
				return nil, nil, err
			}
			entry.Values = append(entry.Values, plain)
		}

		doc.Entries = append(doc.Entries, entry)
		plainKeys[entry.Key] = key
	}
	return doc, plainKeys, nil
}

// transformDump runs query over doc. The keys reported are those still present
// in the transformed document's entries.
func (s *Service) transformDump(ctx context.Context, doc *schema.DumpDocument, plainKeys map[string]string, query string) (any, []string, error) {
	res, err := s.transform.Transform(ctx, query, doc)
	if err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(res.Keys))
	for _, k := range res.Keys {
		if plain, ok := plainKeys[k]; ok && plain != CanaryKey {
			keys = append(keys, plain)
		}
	}
	return res.Output, keys, nil
}

func orderedKeys(doc *schema.DumpDocument, plainKeys map[string]string) []string {
	keys := make([]string, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if plain := plainKeys[e.Key]; plain != CanaryKey {
			keys = append(keys, plain)
		}
	}
	return keys
}

// Restore loads a dump from r and re-appends every version of every entry in
// order with fresh ciphertexts. The document is validated and fully decrypted
// before anything is written; canary entries are skipped. With Replace the
// existing store must accept password before it is cleared.
func Restore(ctx context.Context, svc *Service, password string, opts RestoreOptions, r io.Reader) schema.Result {
	ctx, done := svc.begin(ctx, "restore", password)
	defer done()

	data, err := io.ReadAll(r)
	if err != nil {
		return svc.fail(ctx, schema.FieldKeys, fmt.Errorf("read dump: %w", err))
	}
	if err := svc.validator.ValidateDump(data); err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}
	var doc schema.DumpDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return svc.fail(ctx, schema.FieldKeys, schema.NewError(schema.ErrCodeValidation, "decode dump").WithCause(err))
	}

	entries, err := svc.openDump(ctx, &doc)
	if err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}

	if !svc.verifyPassword(ctx) {
		return svc.fail(ctx, schema.FieldKeys, errPasswordMismatch())
	}
	if opts.Replace {
		if err := svc.repo.Clear(ctx); err != nil {
			return svc.fail(ctx, schema.FieldKeys, errStore("clear store").WithCause(err))
		}
		if !svc.verifyPassword(ctx) {
			return svc.fail(ctx, schema.FieldKeys, errPasswordMismatch())
		}
	}

	keys := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	written := 0
	for _, e := range entries {
		for _, v := range e.Values {
			_, ok, err := svc.createOrAppend(ctx, e.Key, v)
			if err == nil && !ok {
				err = errStore("append failed")
			}
			if err != nil {
				// The store now holds a partial restore.
				svc.logger.ErrorContext(ctx, "restore interrupted",
					"restored_entries", len(keys),
					"written_versions", written,
					"total_entries", len(entries),
					"replace", opts.Replace,
					"error", err)
				return svc.fail(ctx, schema.FieldKeys, err)
			}
			written++
		}
		if !seen[e.Key] {
			seen[e.Key] = true
			keys = append(keys, e.Key)
		}
	}

	svc.logger.InfoContext(ctx, "store restored", "entries", len(keys), "replace", opts.Replace)
	return schema.Ok(schema.FieldKeys, keys)
}

// openDump decrypts an encrypted dump and checks every key, returning
// plaintext entries without the canary.
func (s *Service) openDump(ctx context.Context, doc *schema.DumpDocument) ([]schema.DumpEntry, error) {
	out := make([]schema.DumpEntry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		plain := schema.DumpEntry{Key: e.Key, Values: e.Values}
		if doc.Encrypted {
			key, err := s.engine.Decrypt(secrets.Ciphertext(e.Key))
			if err != nil {
				return nil, err
			}
			plain = schema.DumpEntry{Key: key, Values: make([]string, 0, len(e.Values))}
			for _, v := range e.Values {
				value, err := s.engine.Decrypt(secrets.Ciphertext(v))
				if err != nil {
					return nil, err
				}
				plain.Values = append(plain.Values, value)
			}
		}

		if plain.Key == CanaryKey {
			continue
		}
		if err := checkKey(plain.Key); err != nil {
			return nil, err
		}
		if err := s.checkPolicy(ctx, plain.Key); err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}
