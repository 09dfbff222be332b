package testutil

import (
	"attachkit/internal/encryption"
)

// NewTestEncryptor creates a deterministic encryptor for encrypted storage tests.
func NewTestEncryptor() encryption.Encryptor {
	return encryption.NewTestEncryptor()
}
