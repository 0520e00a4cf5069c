package acmeclient

import (
	"crypto"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
)

// GenerateAccountKey creates a fresh RSA account key.
func GenerateAccountKey() (crypto.PrivateKey, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: generate account key: %w", err)
	}
	return key, nil
}

// EncodeAccountKey serializes an account key to PEM for persistence.
func EncodeAccountKey(key crypto.PrivateKey) ([]byte, error) {
	pemBytes := certcrypto.PEMEncode(key)
	if pemBytes == nil {
		return nil, fmt.Errorf("acmeclient: unsupported account key type %T", key)
	}
	return pemBytes, nil
}

// ParseAccountKey loads a PEM-encoded account key.
func ParseAccountKey(pemBytes []byte) (crypto.PrivateKey, error) {
	key, err := certcrypto.ParsePEMPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: parse account key: %w", err)
	}
	return key, nil
}
