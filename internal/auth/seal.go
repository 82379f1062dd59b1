package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonMemory      = 19 * 1024 // 19 MB
	argonIterations  = 2
	argonParallelism = 1
	argonSaltLen     = 16
	argonKeyLen      = 32
)

var ErrDecrypt = errors.New("credential decryption failed")

// Box chiffre les identifiants fournisseur au repos. Chaque enregistrement
// a son propre sel ; la clé AES-256-GCM est dérivée de la MasterKey par Argon2id.
type Box struct {
	master []byte
}

func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) != argonKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes", argonKeyLen)
	}
	return &Box{master: append([]byte(nil), masterKey...)}, nil
}

// DevMasterKey dérive une MasterKey du secret JWT, pour le mode debug sans
// ENCRYPTION_MASTER_KEY.
func DevMasterKey(secret string) []byte {
	return argon2.IDKey([]byte(secret), []byte("master-controller/dev"),
		argonIterations, argonMemory, argonParallelism, argonKeyLen)
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(b.master, salt, argonIterations, argonMemory, argonParallelism, argonKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal chiffre plaintext. aad lie le chiffré à son propriétaire.
func (b *Box) Seal(plaintext, aad []byte) (ciphertext, nonce, salt []byte, err error) {
	salt = make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, nil, err
	}
	gcm, err := b.aead(salt)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nonce, salt, nil
}

func (b *Box) Open(ciphertext, nonce, salt, aad []byte) ([]byte, error) {
	gcm, err := b.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
