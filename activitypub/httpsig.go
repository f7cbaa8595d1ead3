package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// DateSkewTolerance is how far the request Date header may drift from our
// clock in either direction.
const DateSkewTolerance = 30 * time.Second

var postSignedHeaders = []string{"(request-target)", "host", "date", "digest"}
var getSignedHeaders = []string{"(request-target)", "host", "date"}

// SignRequest signs an outgoing HTTP request with the given private key.
// body is the raw request body, nil for GET. keyId names the signing key,
// e.g. "https://example.com/federation/actors/alice#main-key".
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	headers := getSignedHeaders
	if body != nil {
		headers = postSignedHeaders
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// ExtractKeyId returns the keyId URL named in the request's Signature header,
// without verifying the rest of the signature. The dispatcher needs it to
// resolve the signer's public key before verification can run.
func ExtractKeyId(req *http.Request) (string, error) {
	sig := req.Header.Get("Signature")
	if sig == "" {
		return "", fmt.Errorf("%w: missing Signature header", ErrSignatureInvalid)
	}
	for _, part := range strings.Split(sig, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "keyId=") {
			return strings.Trim(strings.TrimPrefix(part, "keyId="), `"`), nil
		}
	}
	return "", fmt.Errorf("%w: no keyId in Signature header", ErrSignatureInvalid)
}

// ActorFromKeyId strips the key fragment from a keyId URL, leaving the actor
// fid. "https://a.test/users/alice#main-key" -> "https://a.test/users/alice".
func ActorFromKeyId(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

// VerifyRequest checks the Date window, the body digest and the HTTP
// signature of an inbound request. Processing must not start before this
// succeeds. Returns the verified keyId.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string) (string, error) {
	if err := verifyDate(req.Header.Get("Date")); err != nil {
		return "", err
	}
	// GET requests carry no body and no Digest.
	if len(body) > 0 {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			return "", err
		}
	}

	// A well-formed Date or Digest value proves nothing unless the signature
	// also covers those headers.
	covered := coveredHeaders(req)
	if !headerCovered(covered, "date") {
		return "", fmt.Errorf("%w: signature does not cover Date", ErrSignatureInvalid)
	}
	if len(body) > 0 && !headerCovered(covered, "digest") {
		return "", fmt.Errorf("%w: signature does not cover Digest", ErrSignatureInvalid)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return verifier.KeyId(), nil
}

// coveredHeaders returns the lowercased header list named in the Signature
// header's headers parameter, nil when absent.
func coveredHeaders(req *http.Request) []string {
	sig := req.Header.Get("Signature")
	for _, part := range strings.Split(sig, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "headers=") {
			list := strings.Trim(strings.TrimPrefix(part, "headers="), `"`)
			return strings.Fields(strings.ToLower(list))
		}
	}
	return nil
}

func headerCovered(covered []string, name string) bool {
	for _, h := range covered {
		if h == name {
			return true
		}
	}
	return false
}

func verifyDate(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: missing Date header", ErrSignatureInvalid)
	}
	sent, err := http.ParseTime(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable Date header %q", ErrSignatureInvalid, raw)
	}
	delta := time.Since(sent)
	if delta > DateSkewTolerance || delta < -DateSkewTolerance {
		return fmt.Errorf("%w: date %s", ErrClockSkew, raw)
	}
	return nil
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing Digest header", ErrSignatureInvalid)
	}
	if !strings.HasPrefix(header, "SHA-256=") {
		return fmt.Errorf("%w: unsupported digest algorithm", ErrSignatureInvalid)
	}
	if header != Digest(body) {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

// Digest computes the Digest header value for a request body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey. Both PKIX and PKCS1
// encodings appear in the wild.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("%w: failed to parse public key PEM block", ErrSignatureInvalid)
	}

	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrSignatureInvalid)
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %v", ErrSignatureInvalid, err)
	}
	return rsaKey, nil
}
