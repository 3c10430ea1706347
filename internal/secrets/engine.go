package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rendis/secretkv/pkg/schema"
)

const (
	// DefaultIterations is the PBKDF2 work factor used when none is configured.
	DefaultIterations = 390_000

	keySize      = 32
	saltSize     = 16
	nonceSize    = 12
	tokenVersion = byte(0x01)

	nonceKeyInfo = "skv deterministic nonce"
)

// Ciphertext is an opaque authenticated-encryption token. Two ciphertexts are
// only ever compared for exact equality.
type Ciphertext string

func (c Ciphertext) String() string { return string(c) }

// Option configures an Engine.
type Option func(*Engine)

// WithSeed sets the fixed secret constant hashed into the seed instead of the password.
func WithSeed(seed string) Option {
	return func(e *Engine) { e.seedConstant = seed }
}

// WithIterations overrides the PBKDF2 iteration count. Values below 1 are ignored.
func WithIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.iterations = n
		}
	}
}

// Engine derives key material from a password and encrypts strings with
// AES-256-GCM. The zero value is usable and unconfigured.
// An Engine is not safe for concurrent reconfiguration; owners serialize access.
type Engine struct {
	seedConstant string
	iterations   int

	key      *memguard.Enclave
	nonceKey *memguard.Enclave
}

// NewEngine creates an unconfigured Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{iterations: DefaultIterations}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Configure derives key material from password, replacing any previous configuration.
// Empty or weak passwords are accepted.
func (e *Engine) Configure(password string) {
	iterations := e.iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	source := password
	if e.seedConstant != "" {
		source = e.seedConstant
	}
	seed := sha256.Sum256([]byte(source))

	key := pbkdf2.Key([]byte(password), seed[:saltSize], iterations, keySize, sha256.New)

	nonceKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, seed[saltSize:], []byte(nonceKeyInfo)), nonceKey); err != nil {
		// hkdf only fails when asked for more than 255 blocks.
		panic(fmt.Sprintf("hkdf: %v", err))
	}

	// NewEnclave wipes its input.
	e.key = memguard.NewEnclave(key)
	e.nonceKey = memguard.NewEnclave(nonceKey)
	memguard.WipeBytes(seed[:])
}

// Configured reports whether Configure has been called.
func (e *Engine) Configured() bool {
	return e.key != nil && e.nonceKey != nil
}

// Destroy drops the key material. The Engine is unconfigured afterwards.
func (e *Engine) Destroy() {
	e.key = nil
	e.nonceKey = nil
}

// Encrypt seals plaintext. Randomized mode uses a fresh nonce per call; deterministic
// mode derives the nonce from the plaintext so equal inputs produce equal tokens
// under the same password.
func (e *Engine) Encrypt(plaintext string, deterministic bool) (Ciphertext, error) {
	if !e.Configured() {
		return "", errMissingKey()
	}

	aead, err := e.aead()
	if err != nil {
		return "", err
	}

	var nonce []byte
	if deterministic {
		nonce, err = e.syntheticNonce(plaintext)
	} else {
		nonce, err = randomNonce()
	}
	if err != nil {
		return "", err
	}

	token := make([]byte, 0, 1+nonceSize+len(plaintext)+aead.Overhead())
	token = append(token, tokenVersion)
	token = append(token, nonce...)
	token = aead.Seal(token, nonce, []byte(plaintext), []byte{tokenVersion})

	return Ciphertext(base64.RawURLEncoding.EncodeToString(token)), nil
}

// Decrypt authenticates and opens a token produced by Encrypt.
func (e *Engine) Decrypt(c Ciphertext) (string, error) {
	if !e.Configured() {
		return "", errMissingKey()
	}

	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return "", errInvalidKey("malformed token").WithCause(err)
	}
	if len(raw) < 1+nonceSize || raw[0] != tokenVersion {
		return "", errInvalidKey("malformed token")
	}

	aead, err := e.aead()
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, raw[1:1+nonceSize], raw[1+nonceSize:], []byte{tokenVersion})
	if err != nil {
		return "", errInvalidKey("authentication failed").WithCause(err)
	}
	return string(plaintext), nil
}

func (e *Engine) aead() (cipher.AEAD, error) {
	buf, err := e.key.Open()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeMissingKey, "open key enclave").WithCause(err)
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func (e *Engine) syntheticNonce(plaintext string) ([]byte, error) {
	buf, err := e.nonceKey.Open()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeMissingKey, "open nonce key enclave").WithCause(err)
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write([]byte(plaintext))
	return mac.Sum(nil)[:nonceSize], nil
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

func errMissingKey() *schema.SkvError {
	return schema.NewError(schema.ErrCodeMissingKey, "cipher not configured")
}

func errInvalidKey(msg string) *schema.SkvError {
	return schema.NewError(schema.ErrCodeInvalidKey, msg)
}
