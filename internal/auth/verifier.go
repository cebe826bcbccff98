// Package auth verifies identity signatures over the nickname challenge.
package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/observability/metrics"
	"cipherrelay/internal/store"
)

// SaltLength is fixed so clients can sign without negotiating parameters.
const SaltLength = 32

var ErrInvalidPublicKey = errors.New("invalid RSA public key")

var pssOptions = &rsa.PSSOptions{SaltLength: SaltLength, Hash: crypto.SHA256}

// IdentityLookup is the read side of the identity store.
type IdentityLookup interface {
	FindByNickname(ctx context.Context, nickname string) (*domain.Identity, error)
}

type Verifier struct {
	identities IdentityLookup
	log        *slog.Logger
}

func NewVerifier(identities IdentityLookup, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{identities: identities, log: logger}
}

// Verify checks that signature (base64) is nickname signed with the
// identity's registered key. The challenge carries no nonce, so a captured
// signature stays valid for the lifetime of the key.
func (v *Verifier) Verify(ctx context.Context, nickname, signature string) error {
	result := "failure"
	defer func() { metrics.AuthAttempt(result) }()

	if nickname == "" || signature == "" {
		return domain.NewError(domain.CodeAuthentication, "nickname and signature are required")
	}
	id, err := v.identities.FindByNickname(ctx, nickname)
	if errors.Is(err, store.ErrRecordNotFound) {
		result = "unknown_identity"
		return domain.ErrUserNotFound
	}
	if err != nil {
		result = "error"
		return domain.Infrastructure("lookup identity", err)
	}
	pub, err := ParsePublicKey(id.PublicKey)
	if err != nil {
		v.log.Warn("stored public key unusable", "identity", nickname, "error", err)
		return domain.WrapError(domain.CodeAuthentication, "stored public key unusable", err)
	}
	if err := VerifySignature(pub, nickname, signature); err != nil {
		v.log.Debug("signature rejected", "identity", nickname, "error", err)
		return domain.WrapError(domain.CodeAuthentication, domain.ErrAuthentication.Message, err)
	}
	result = "success"
	return nil
}

// VerifySignature checks an RSA-PSS SHA-256 signature over msg.
func VerifySignature(pub *rsa.PublicKey, msg, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(msg))
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOptions)
}

// Sign produces the base64 handshake signature for nickname.
func Sign(priv *rsa.PrivateKey, nickname string) (string, error) {
	digest := sha256.Sum256([]byte(nickname))
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ParsePublicKey accepts PKIX ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC KEY") PEM.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPublicKey, block.Type)
	}
}

// ParsePrivateKey accepts PKCS#8 or PKCS#1 PEM.
func ParsePrivateKey(pemText []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemText)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return priv, nil
}

// EncodeKeyPair renders priv as PKCS#8 PEM and its public half as PKIX PEM.
func EncodeKeyPair(priv *rsa.PrivateKey) (privPEM, pubPEM []byte, err error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}
