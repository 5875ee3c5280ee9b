package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrKeyNotFound       = errors.New("encryption key not found for version")
	ErrInvalidKeyLength  = errors.New("invalid key length, must be 32 bytes for AES-256")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrEncryptionFailed  = errors.New("encryption failed")
)

// FieldEncryptor applies AES-256-GCM to the device columns that hold
// location material, chiefly the IP address stored with each trusted
// device. Fingerprint hashes stay in the clear because the fuzzy matcher
// has to read them. Every ciphertext records the key version it was
// sealed under, so the table can hold rows from several rotations at once.
type FieldEncryptor struct {
	mu             sync.RWMutex
	keys           map[int][]byte // version -> key
	currentVersion int
	hmacSecret     []byte
}

// NewFieldEncryptor builds an encryptor from base64 keys. The slice is
// 1-indexed into versions: the first key is version 1, and so on.
func NewFieldEncryptor(keysBase64 []string, currentVersion int, hmacSecret string) (*FieldEncryptor, error) {
	if len(keysBase64) == 0 {
		return nil, errors.New("at least one encryption key is required")
	}

	keys := make(map[int][]byte)
	for i, keyB64 := range keysBase64 {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key at index %d: %w", i, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("key at index %d has invalid length %d, expected 32", i, len(key))
		}
		keys[i+1] = key
	}

	if _, ok := keys[currentVersion]; !ok {
		return nil, fmt.Errorf("current key version %d not found in provided keys", currentVersion)
	}

	return &FieldEncryptor{
		keys:           keys,
		currentVersion: currentVersion,
		hmacSecret:     []byte(hmacSecret),
	}, nil
}

// Encrypt seals plaintext under the current key.
// Output envelope: v{version}:{nonce_base64}:{ciphertext_base64}.
func (e *FieldEncryptor) Encrypt(plaintext []byte) (string, error) {
	e.mu.RLock()
	key := e.keys[e.currentVersion]
	version := e.currentVersion
	e.mu.RUnlock()

	gcm, err := gcmFor(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return fmt.Sprintf("v%d:%s:%s",
		version,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ciphertext),
	), nil
}

// Decrypt opens an envelope and reports which key version sealed it, so
// callers can decide whether the row wants rewriting under a newer key.
func (e *FieldEncryptor) Decrypt(encrypted string) ([]byte, int, error) {
	version, nonce, ciphertext, err := parseEnvelope(encrypted)
	if err != nil {
		return nil, 0, err
	}

	e.mu.RLock()
	key, ok := e.keys[version]
	e.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: version %d", ErrKeyNotFound, version)
	}

	gcm, err := gcmFor(key)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, version, nil
}

// EncryptString encrypts a string field.
func (e *FieldEncryptor) EncryptString(s string) (string, error) {
	return e.Encrypt([]byte(s))
}

// DecryptString decrypts a string field.
func (e *FieldEncryptor) DecryptString(encrypted string) (string, int, error) {
	plaintext, version, err := e.Decrypt(encrypted)
	if err != nil {
		return "", 0, err
	}
	return string(plaintext), version, nil
}

// Hash produces the keyed HMAC-SHA256 digest used for the ip_hash field
// on security events. Keyed, so the raw address cannot be recovered or
// cross-referenced from outside the service.
func (e *FieldEncryptor) Hash(data string) string {
	mac := hmac.New(sha256.New, e.hmacSecret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// CurrentKeyVersion returns the version new writes are sealed under.
func (e *FieldEncryptor) CurrentKeyVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentVersion
}

// AddKey registers a key version ahead of a rotation.
func (e *FieldEncryptor) AddKey(version int, keyBase64 string) error {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != 32 {
		return ErrInvalidKeyLength
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[version] = key
	return nil
}

// SetCurrentVersion switches new writes to the given version. The key
// must already be registered.
func (e *FieldEncryptor) SetCurrentVersion(version int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.keys[version]; !ok {
		return fmt.Errorf("%w: version %d", ErrKeyNotFound, version)
	}

	e.currentVersion = version
	return nil
}

// NeedsReEncryption reports whether a stored envelope predates the
// current key. Malformed envelopes report true so a rewrite pass fixes
// them rather than skipping them.
func (e *FieldEncryptor) NeedsReEncryption(encrypted string) bool {
	version, _, _, err := parseEnvelope(encrypted)
	if err != nil {
		return true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return version < e.currentVersion
}

// ReEncrypt rewrites an envelope under the current key.
func (e *FieldEncryptor) ReEncrypt(encrypted string) (string, error) {
	plaintext, _, err := e.Decrypt(encrypted)
	if err != nil {
		return "", err
	}
	return e.Encrypt(plaintext)
}

// GenerateKey returns a fresh random 256-bit key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func gcmFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func parseEnvelope(encrypted string) (version int, nonce, ciphertext []byte, err error) {
	parts := strings.SplitN(encrypted, ":", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "v") {
		return 0, nil, nil, ErrInvalidCiphertext
	}

	version, err = strconv.Atoi(parts[0][1:])
	if err != nil {
		return 0, nil, nil, ErrInvalidCiphertext
	}

	nonce, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: invalid nonce encoding", ErrInvalidCiphertext)
	}

	ciphertext, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrInvalidCiphertext)
	}

	return version, nonce, ciphertext, nil
}
