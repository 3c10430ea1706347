package vault

import (
	"context"
	"sort"

	"github.com/rendis/secretkv/pkg/schema"
)

// ListOptions controls List.
type ListOptions struct {
	// IncludeDeleted also lists keys whose latest value is a tombstone.
	IncludeDeleted bool
	// Where is an optional CEL filter over `key` (string) and `deleted` (bool).
	Where string
}

// List returns every visible key, sorted, under {"keys": [...]}.
func List(ctx context.Context, svc *Service, password string, opts ListOptions) schema.Result {
	ctx, done := svc.begin(ctx, "list", password)
	defer done()

	if !svc.verifyPassword(ctx) {
		return svc.fail(ctx, schema.FieldKeys, errPasswordMismatch())
	}

	all, err := svc.entries(ctx)
	if err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}

	keys := make([]string, 0, len(all))
	for _, e := range all {
		if e.deleted && !opts.IncludeDeleted {
			continue
		}
		if opts.Where != "" {
			ok, err := svc.filters.Match(ctx, opts.Where, e.key, e.deleted)
			if err != nil {
				return svc.fail(ctx, schema.FieldKeys, err)
			}
			if !ok {
				continue
			}
		}
		keys = append(keys, e.key)
	}
	sort.Strings(keys)

	svc.logger.DebugContext(ctx, "listed keys", "count", len(keys))
	return schema.Ok(schema.FieldKeys, keys)
}

// Get returns the latest value of key, or with history every value oldest
// first, under {"values": [...]}. A deleted key is an error unless history is
// requested.
func Get(ctx context.Context, svc *Service, key, password string, history bool) schema.Result {
	ctx, done := svc.begin(ctx, "get", password)
	defer done()

	if err := checkKey(key); err != nil {
		return svc.fail(ctx, schema.FieldValues, err)
	}
	if !svc.verifyPassword(ctx) {
		return svc.fail(ctx, schema.FieldValues, errPasswordMismatch())
	}

	if history {
		values, err := svc.getHistoryFromKey(ctx, key)
		if err != nil {
			return svc.fail(ctx, schema.FieldValues, err)
		}
		if len(values) == 0 {
			return svc.fail(ctx, schema.FieldValues, errNotFound())
		}
		return schema.Ok(schema.FieldValues, values)
	}

	value, ok, err := svc.getValueFromKey(ctx, key)
	if err != nil {
		return svc.fail(ctx, schema.FieldValues, err)
	}
	if !ok || value == tombstone {
		return svc.fail(ctx, schema.FieldValues, errNotFound())
	}
	return schema.Ok(schema.FieldValues, []string{value})
}

// Set appends value as the next version of key and returns {"keys": [key]}.
func Set(ctx context.Context, svc *Service, key, value, password string) schema.Result {
	ctx, done := svc.begin(ctx, "set", password)
	defer done()

	if err := checkKey(key); err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}
	if value == "" {
		return svc.fail(ctx, schema.FieldKeys, schema.NewError(schema.ErrCodeValidation, "empty value"))
	}
	if err := svc.checkPolicy(ctx, key); err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}
	if !svc.verifyPassword(ctx) {
		return svc.fail(ctx, schema.FieldKeys, errPasswordMismatch())
	}

	stored, ok, err := svc.createOrAppend(ctx, key, value)
	if err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}
	if !ok {
		return svc.fail(ctx, schema.FieldKeys, errStore("append failed"))
	}
	svc.logger.InfoContext(ctx, "secret stored")
	return schema.Ok(schema.FieldKeys, []string{stored})
}

// Delete tombstones key and returns {"keys": [key]}. Deleting a missing or
// already deleted key is an error and appends nothing.
func Delete(ctx context.Context, svc *Service, key, password string) schema.Result {
	ctx, done := svc.begin(ctx, "delete", password)
	defer done()

	if err := checkKey(key); err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}
	if !svc.verifyPassword(ctx) {
		return svc.fail(ctx, schema.FieldKeys, errPasswordMismatch())
	}

	deleted, ok, err := svc.markAsDeleted(ctx, key)
	if err != nil {
		return svc.fail(ctx, schema.FieldKeys, err)
	}
	if !ok {
		return svc.fail(ctx, schema.FieldKeys, errNotFound())
	}
	svc.logger.InfoContext(ctx, "secret deleted")
	return schema.Ok(schema.FieldKeys, []string{deleted})
}

// fail logs err at debug level and collapses it into an empty Err result.
func (s *Service) fail(ctx context.Context, field string, err error) schema.Result {
	s.logger.DebugContext(ctx, "operation failed", "error", err)
	return schema.Err(field)
}

func errPasswordMismatch() *schema.SkvError {
	return schema.NewError(schema.ErrCodePasswordMismatch, "password verification failed")
}

func errNotFound() *schema.SkvError {
	return schema.NewError(schema.ErrCodeNotFound, "key not found")
}

func errStore(msg string) *schema.SkvError {
	return schema.NewError(schema.ErrCodeStore, msg)
}
