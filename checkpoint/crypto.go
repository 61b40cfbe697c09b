package checkpoint

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// EncryptedSaver wraps a Saver, AEAD-encrypting each checkpoint's State
// column with AES-256-GCM before delegating to the underlying backend.
// Metadata and writes stay in cleartext since the streaming dispatcher and
// history API need them without a key; only State, the channel payload,
// carries potentially sensitive valuation detail.
//
// crypto/aes + crypto/cipher from the standard library; the ciphertext
// carries a version byte so keys can rotate.
type EncryptedSaver struct {
	inner Saver
	aead  cipher.AEAD
}

// cipherVersion1 tags the ciphertext format so keys can be rotated later
// without breaking old checkpoints in place.
const cipherVersion1 byte = 1

// NewEncryptedSaver wraps inner with AES-256-GCM encryption using a 32-byte
// key.
func NewEncryptedSaver(inner Saver, key []byte) (*EncryptedSaver, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("checkpoint: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: new GCM: %w", err)
	}
	return &EncryptedSaver{inner: inner, aead: aead}, nil
}

func (e *EncryptedSaver) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("checkpoint: nonce: %w", err)
	}
	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, 1+len(nonce)+len(sealed))
	out = append(out, cipherVersion1)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func (e *EncryptedSaver) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1 {
		return nil, fmt.Errorf("checkpoint: ciphertext too short")
	}
	version := ciphertext[0]
	if version != cipherVersion1 {
		return nil, fmt.Errorf("checkpoint: unsupported cipher version %d", version)
	}
	nonceSize := e.aead.NonceSize()
	rest := ciphertext[1:]
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("checkpoint: ciphertext missing nonce")
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decrypt: %w", err)
	}
	return plaintext, nil
}

func (e *EncryptedSaver) Put(ctx context.Context, cp Checkpoint, writes []Write, idempotencyKey string) error {
	sealed, err := e.seal(cp.State)
	if err != nil {
		return err
	}
	cp.State = encodeBlob(sealed)
	return e.inner.Put(ctx, cp, writes, idempotencyKey)
}

func (e *EncryptedSaver) Get(ctx context.Context, threadID, namespace, checkpointID string) (Checkpoint, []Write, error) {
	cp, writes, err := e.inner.Get(ctx, threadID, namespace, checkpointID)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	blob, err := decodeBlob(cp.State)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	plaintext, err := e.open(blob)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	cp.State = plaintext
	return cp, writes, nil
}

func (e *EncryptedSaver) List(ctx context.Context, threadID, namespace string, limit int) ([]Checkpoint, error) {
	cps, err := e.inner.List(ctx, threadID, namespace, limit)
	if err != nil {
		return nil, err
	}
	for i := range cps {
		blob, err := decodeBlob(cps[i].State)
		if err != nil {
			return nil, err
		}
		plaintext, err := e.open(blob)
		if err != nil {
			return nil, err
		}
		cps[i].State = plaintext
	}
	return cps, nil
}

func (e *EncryptedSaver) Close() error { return e.inner.Close() }

// encodeBlob/decodeBlob carry raw ciphertext bytes through the JSON-typed
// State column as a length-prefixed base64-free byte string, keeping the
// envelope simple since callers never read encrypted State directly.
func encodeBlob(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}

func decodeBlob(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("checkpoint: encrypted blob too short")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if uint32(len(raw)-4) < n {
		return nil, fmt.Errorf("checkpoint: encrypted blob truncated")
	}
	return raw[4 : 4+n], nil
}
