package proof

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/ocx/vecgate/internal/canonical"
	"github.com/ocx/vecgate/internal/vector"
)

// ============================================================================
// SIGNERS (Ed25519, ECDSA P-256)
// ============================================================================

// Algorithm identifies the signing algorithm used by a Signer.
type Algorithm string

const (
	// AlgorithmEd25519 is deterministic with 64-byte signatures. Default.
	AlgorithmEd25519 Algorithm = "ed25519"
	// AlgorithmECDSA uses NIST P-256 over SHA-256 for FIPS deployments.
	AlgorithmECDSA Algorithm = "ecdsa-p256"
)

// Signer signs gateway output. Verify takes the public key explicitly so a
// receiver can check signatures from any gateway.
type Signer interface {
	Algorithm() Algorithm
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
	Verify(publicKey, data, signature []byte) (bool, error)
	PublicKeyPEM() (string, error)
}

// NewSigner creates a signer with a fresh key pair.
func NewSigner(alg Algorithm) (Signer, error) {
	switch alg {
	case AlgorithmEd25519, "":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ed25519 key generation failed: %w", err)
		}
		return NewEd25519Signer(priv), nil
	case AlgorithmECDSA:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ecdsa key generation failed: %w", err)
		}
		return NewECDSASigner(priv), nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s (supported: %s, %s)",
			alg, AlgorithmEd25519, AlgorithmECDSA)
	}
}

// NewSignerFromSeed builds an Ed25519 signer from a hex 32-byte seed, so a
// gateway keeps its identity across restarts.
func NewSignerFromSeed(seedHex string) (Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer wraps an existing key.
func NewEd25519Signer(priv ed25519.PrivateKey) Signer {
	return &ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *ed25519Signer) Algorithm() Algorithm { return AlgorithmEd25519 }
func (s *ed25519Signer) PublicKey() []byte    { return []byte(s.pub) }

func (s *ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func (s *ed25519Signer) Verify(publicKey, data, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid Ed25519 public key size: got %d, want %d",
			len(publicKey), ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature), nil
}

func (s *ed25519Signer) PublicKeyPEM() (string, error) { return encodePEM(s.pub) }

type ecdsaSigner struct {
	priv *ecdsa.PrivateKey
}

// NewECDSASigner wraps an existing P-256 key.
func NewECDSASigner(priv *ecdsa.PrivateKey) Signer {
	return &ecdsaSigner{priv: priv}
}

func (s *ecdsaSigner) Algorithm() Algorithm { return AlgorithmECDSA }

// PublicKey is PKIX DER.
func (s *ecdsaSigner) PublicKey() []byte {
	der, err := x509.MarshalPKIXPublicKey(&s.priv.PublicKey)
	if err != nil {
		return nil
	}
	return der
}

func (s *ecdsaSigner) Sign(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, s.priv, hash[:])
}

func (s *ecdsaSigner) Verify(publicKeyDER, data, signature []byte) (bool, error) {
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return false, fmt.Errorf("failed to parse ECDSA public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false, errors.New("public key is not ECDSA")
	}
	hash := sha256.Sum256(data)
	return ecdsa.VerifyASN1(ecPub, hash[:], signature), nil
}

func (s *ecdsaSigner) PublicKeyPEM() (string, error) { return encodePEM(&s.priv.PublicKey) }

func encodePEM(pub interface{}) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ============================================================================
// MESSAGE SIGNATURES
// ============================================================================

// messageBytes is the canonical wire form of m with the signature cleared.
func messageBytes(m *vector.Message) ([]byte, error) {
	c := m.Clone()
	c.Metadata.Signature = ""
	return canonical.JSON(c)
}

// SignMessage signs m and returns the base64 signature. m is not modified.
func SignMessage(s Signer, m *vector.Message) (string, error) {
	data, err := messageBytes(m)
	if err != nil {
		return "", fmt.Errorf("canonicalise message: %w", err)
	}
	sig, err := s.Sign(data)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage checks m.Metadata.Signature against publicKey.
func VerifyMessage(s Signer, publicKey []byte, m *vector.Message) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(m.Metadata.Signature)
	if err != nil || len(sig) == 0 {
		return false, nil
	}
	data, err := messageBytes(m)
	if err != nil {
		return false, fmt.Errorf("canonicalise message: %w", err)
	}
	return s.Verify(publicKey, data, sig)
}
