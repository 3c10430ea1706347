package schema

import "time"

// Dump document identity.
const (
	DumpFormat  = "skv-dump"
	DumpVersion = 1
)

// DumpDocument is the portable serialization of a store.
type DumpDocument struct {
	Format    string      `json:"format"`
	Version   int         `json:"version"`
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Encrypted bool        `json:"encrypted"`
	Entries   []DumpEntry `json:"entries"`
}

// DumpEntry is one key with its values oldest first. In an encrypted dump both
// are ciphertext tokens as stored.
type DumpEntry struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}
