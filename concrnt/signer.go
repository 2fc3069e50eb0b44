package concrnt

import (
	"bytes"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTTL = 5 * time.Minute

// SigningMethodConcrnt signs tokens with a secp256k1 key over the keccak-256
// hash of the signing string. Keys are *secp256k1.PrivateKey for signing and
// *secp256k1.PublicKey for verification.
var SigningMethodConcrnt = &signingMethodConcrnt{}

func init() {
	jwt.RegisterSigningMethod(SigningMethodConcrnt.Alg(), func() jwt.SigningMethod {
		return SigningMethodConcrnt
	})
}

type signingMethodConcrnt struct{}

func (m *signingMethodConcrnt) Alg() string {
	return "CONCRNT"
}

func (m *signingMethodConcrnt) Sign(signingString string, key interface{}) ([]byte, error) {
	priv, ok := key.(*secp256k1.PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return signCompact(priv, []byte(signingString)), nil
}

func (m *signingMethodConcrnt) Verify(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(*secp256k1.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if !verifyCompact(pub, []byte(signingString), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// Token mints a short-lived passport token for requests to aud.
func (k *Subkey) Token(aud string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    k.CCID,
		Subject:   "concrnt",
		Audience:  jwt.ClaimStrings{aud},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(SigningMethodConcrnt, claims)
	tok.Header["kid"] = k.CKID
	return tok.SignedString(k.PrivateKey)
}

// signCompact returns r||s||v where v is the recovery id (0 or 1).
func signCompact(priv *secp256k1.PrivateKey, data []byte) []byte {
	sig := ecdsa.SignCompact(priv, keccak256(data), false)
	out := make([]byte, 65)
	copy(out, sig[1:])
	out[64] = sig[0] - 27
	return out
}

func verifyCompact(pub *secp256k1.PublicKey, data, sig []byte) bool {
	if len(sig) != 65 || sig[64] > 1 {
		return false
	}
	compact := make([]byte, 65)
	compact[0] = sig[64] + 27
	copy(compact[1:], sig[:64])

	recovered, _, err := ecdsa.RecoverCompact(compact, keccak256(data))
	if err != nil {
		return false
	}
	return bytes.Equal(recovered.SerializeCompressed(), pub.SerializeCompressed())
}
