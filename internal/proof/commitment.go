package proof

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"

	"github.com/ocx/vecgate/internal/canonical"
)

// BackendCommitment names the hash-commitment backend.
const BackendCommitment = "sha3-commitment"

// CommitmentProver is a mock backend built from SHA3-256 hash commitments.
// It binds a proof to its statement and verification key but is not
// zero-knowledge sound; production deployments swap in a real prover
// behind the same interface.
type CommitmentProver struct {
	vk   []byte
	rand io.Reader
}

// NewCommitmentProver creates a prover. A nil key generates a random one.
func NewCommitmentProver(verificationKey []byte) (*CommitmentProver, error) {
	if verificationKey == nil {
		verificationKey = make([]byte, 32)
		if _, err := rand.Read(verificationKey); err != nil {
			return nil, fmt.Errorf("generate verification key: %w", err)
		}
	}
	if len(verificationKey) < 16 {
		return nil, fmt.Errorf("verification key too short: %d bytes", len(verificationKey))
	}
	return &CommitmentProver{vk: bytes.Clone(verificationKey), rand: rand.Reader}, nil
}

// VerificationKey returns the hex key embedded in proofs.
func (c *CommitmentProver) VerificationKey() string { return hex.EncodeToString(c.vk) }

func (c *CommitmentProver) Generate(ctx context.Context, st Statement, w Witness) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if w.Compliant != st.Compliant {
		return nil, fmt.Errorf("%w: statement compliant=%t, witness compliant=%t",
			ErrStatementMismatch, st.Compliant, w.Compliant)
	}

	witness, err := canonical.JSON(w)
	if err != nil {
		return nil, fmt.Errorf("canonicalise witness: %w", err)
	}
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	commitment := digest(witness, nonce)

	challenge, err := c.challenge(st, commitment)
	if err != nil {
		return nil, err
	}
	return &Proof{
		Backend:   BackendCommitment,
		Statement: st,
		Blob: Blob{
			Commitment: hex.EncodeToString(commitment),
			Challenge:  hex.EncodeToString(challenge),
			Response:   hex.EncodeToString(digest(c.vk, challenge, commitment)),
		},
		VerificationKey: c.VerificationKey(),
	}, nil
}

// Verify recomputes the challenge from st and the response from the key.
// It never needs the witness.
func (c *CommitmentProver) Verify(ctx context.Context, p *Proof, st Statement) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p == nil {
		return false, fmt.Errorf("nil proof")
	}
	if p.Backend != BackendCommitment {
		return false, fmt.Errorf("proof backend %q not supported", p.Backend)
	}
	if err := st.Validate(); err != nil {
		return false, err
	}

	commitment, err1 := hex.DecodeString(p.Blob.Commitment)
	challenge, err2 := hex.DecodeString(p.Blob.Challenge)
	response, err3 := hex.DecodeString(p.Blob.Response)
	if err1 != nil || err2 != nil || err3 != nil {
		return false, nil
	}
	if p.VerificationKey != c.VerificationKey() {
		return false, nil
	}

	want, err := c.challenge(st, commitment)
	if err != nil {
		return false, err
	}
	if subtle.ConstantTimeCompare(want, challenge) != 1 {
		return false, nil
	}
	return subtle.ConstantTimeCompare(digest(c.vk, challenge, commitment), response) == 1, nil
}

func (c *CommitmentProver) challenge(st Statement, commitment []byte) ([]byte, error) {
	stmt, err := canonical.JSON(st)
	if err != nil {
		return nil, fmt.Errorf("canonicalise statement: %w", err)
	}
	return digest(stmt, commitment), nil
}

func digest(parts ...[]byte) []byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
