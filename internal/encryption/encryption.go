// Package encryption protects stored file content at rest with age.
package encryption

import "io"

// Encryptor encrypts content with the public key and unlocks the private key
// for decryption. Encryption never needs a passphrase; decryption does.
type Encryptor interface {
	// Setup generates a key pair, stores the public key in plaintext and the
	// private key encrypted with passphrase. Existing keys are not replaced.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using passphrase.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	// Decrypt decrypts data read from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}
