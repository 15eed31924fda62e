// Package vault persists pseudonym maps as encrypted per-session records.
//
// Each anonymization that produced at least one pseudonym gets a fresh
// 32-byte key and a session ID. The map is encoded as a versioned JSON
// document, sealed with XChaCha20-Poly1305 (session ID as associated data)
// and handed to a Store. The key is returned to the caller and never kept.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"pd-anonymizer/internal/pseudonym"
)

var (
	// ErrKeyGeneration means the system random source failed.
	ErrKeyGeneration = errors.New("key generation")
	// ErrMissingSession means no record exists for the session ID.
	ErrMissingSession = errors.New("missing session")
	// ErrDecryption covers wrong keys, malformed keys, tampered records and
	// undecodable plaintext.
	ErrDecryption = errors.New("decryption")
)

// KeySize is the symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

const codecVersion = 1

// randReader is swapped in tests to simulate a failing entropy source.
var randReader io.Reader = rand.Reader

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return key, nil
}

// EncodeKey renders a key for transport.
func EncodeKey(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

// DecodeKey parses a key produced by EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key", ErrDecryption)
	}
	if len(key) != KeySize {
		zero(key)
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrDecryption, KeySize, len(key))
	}
	return key, nil
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// record is the plaintext document sealed into the store.
type record struct {
	Version int           `json:"version"`
	Entries []recordEntry `json:"entries"`
}

// Original is raw bytes (base64 on the wire) so text that is not valid
// UTF-8 survives the round trip unchanged.
type recordEntry struct {
	EntityType string `json:"entityType"`
	Original   []byte `json:"original"`
	Pseudonym  string `json:"pseudonym"`
}

// Encode serializes m in insertion order.
func Encode(m *pseudonym.Map) ([]byte, error) {
	entries := m.Entries()
	rec := record{Version: codecVersion, Entries: make([]recordEntry, len(entries))}
	for i, e := range entries {
		rec.Entries[i] = recordEntry{EntityType: e.EntityType, Original: []byte(e.Original), Pseudonym: e.Pseudonym}
	}
	return json.Marshal(rec)
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*pseudonym.Map, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode record: %v", ErrDecryption, err)
	}
	if rec.Version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrDecryption, rec.Version)
	}
	m := pseudonym.NewMap()
	for _, e := range rec.Entries {
		m.Put(pseudonym.Key{EntityType: e.EntityType, Original: string(e.Original)}, e.Pseudonym)
	}
	return m, nil
}

// seal encrypts plaintext as nonce || ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrKeyGeneration, err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: record too short", ErrDecryption)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

// Vault seals pseudonym maps into a Store.
//
// Concurrent Store calls for the same session ID are last-writer-wins;
// distinct IDs never interfere.
type Vault struct {
	store Store
}

// New returns a Vault over store.
func New(store Store) *Vault {
	return &Vault{store: store}
}

// Store encrypts m under key and writes it as sessionID. The key buffer is
// zeroed before returning.
func (v *Vault) Store(ctx context.Context, sessionID string, m *pseudonym.Map, key []byte) error {
	defer zero(key)

	plaintext, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	defer zero(plaintext)

	sealed, err := seal(key, plaintext, []byte(sessionID))
	if err != nil {
		return err
	}
	if err := v.store.Put(ctx, sessionID, sealed); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Load reads and decrypts sessionID. The key buffer is zeroed before
// returning. A failure never yields a partial map.
func (v *Vault) Load(ctx context.Context, sessionID string, key []byte) (*pseudonym.Map, error) {
	defer zero(key)

	sealed, err := v.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(key, sealed, []byte(sessionID))
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)
	return Decode(plaintext)
}

// Delete removes sessionID. Deleting an unknown session is not an error.
func (v *Vault) Delete(ctx context.Context, sessionID string) error {
	return v.store.Delete(ctx, sessionID)
}

// Close releases the underlying store.
func (v *Vault) Close() error {
	return v.store.Close()
}
