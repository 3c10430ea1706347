package store

import (
	"context"

	"github.com/rendis/secretkv/internal/secrets"
)

// Secret is one version of one logical entry: a deterministic key ciphertext
// and a randomized value ciphertext. Secrets are immutable once saved.
type Secret struct {
	Key   secrets.Ciphertext
	Value secrets.Ciphertext
}

// Version is one element of a key's append-only history.
type Version struct {
	Value  secrets.Ciphertext
	Number int
}

// Repository is an append-only, per-key versioned log of ciphertexts.
// Implementations never decrypt. Durable implementations swallow persistence
// faults and report them as empty results, false, or a miss.
type Repository interface {
	// ListLatestVersion returns one Secret per stored key carrying its highest version.
	ListLatestVersion(ctx context.Context) []Secret

	// RetrieveByKey returns the highest version for key, or false if the key was never saved.
	RetrieveByKey(ctx context.Context, key secrets.Ciphertext) (Secret, bool)

	// RetrieveHistory returns every version for key, oldest first.
	RetrieveHistory(ctx context.Context, key secrets.Ciphertext) []Secret

	// Save appends secret as version max+1 of its key (1 for a new key).
	// It returns false if the append did not happen.
	Save(ctx context.Context, secret Secret) bool

	// IsEmpty reports whether no key has ever been stored.
	IsEmpty(ctx context.Context) bool

	// Clear destroys the whole store.
	Clear(ctx context.Context) error

	Close() error
}

// DocumentValidator checks a persisted document before it is trusted.
// Satisfied by validation.DocumentValidator.
type DocumentValidator interface {
	ValidateStoreDocument(data []byte) error
}

// latest returns the last element of a version-ordered history.
func latest(key secrets.Ciphertext, history []Version) Secret {
	return Secret{Key: key, Value: history[len(history)-1].Value}
}

func toSecrets(key secrets.Ciphertext, history []Version) []Secret {
	out := make([]Secret, 0, len(history))
	for _, v := range history {
		out = append(out, Secret{Key: key, Value: v.Value})
	}
	return out
}

// nextVersion returns the version number the next append to history receives.
func nextVersion(history []Version) int {
	if len(history) == 0 {
		return 1
	}
	return history[len(history)-1].Number + 1
}
