package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

// ActorKeyBits is the key size for freshly generated local actor keypairs.
const ActorKeyBits = 2048

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// GeneratePemKeypair generates an RSA keypair encoded as PEM strings.
// The public key uses PKIX encoding so remote instances can parse the
// publicKeyPem field of our actor documents.
func GeneratePemKeypair() (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, ActorKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}
