package concrnt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

const subkeyPrefix = "concurrent-subkey"

// ErrInvalidSubkey is returned when a subkey string cannot be parsed.
var ErrInvalidSubkey = errors.New("invalid subkey")

// A Subkey is a delegated signing key of an entity. Its string form is
//
//	concurrent-subkey <private key hex> <ccid>@<domain> <name>
type Subkey struct {
	PrivateKey *secp256k1.PrivateKey
	CCID       string
	CKID       string
	Domain     string
	Name       string
}

// ParseSubkey parses the string form of a subkey and derives its key id.
func ParseSubkey(s string) (*Subkey, error) {
	fields := strings.Fields(s)
	if len(fields) < 3 || fields[0] != subkeyPrefix {
		return nil, fmt.Errorf("%w: unexpected format", ErrInvalidSubkey)
	}

	raw, err := hex.DecodeString(fields[1])
	if err != nil || len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: malformed private key", ErrInvalidSubkey)
	}

	ccid, domain, ok := strings.Cut(fields[2], "@")
	if !ok || ccid == "" || domain == "" {
		return nil, fmt.Errorf("%w: malformed identity %q", ErrInvalidSubkey, fields[2])
	}

	priv := secp256k1.PrivKeyFromBytes(raw)
	ckid, err := computeID("cck", priv.PubKey())
	if err != nil {
		return nil, fmt.Errorf("compute ckid: %w", err)
	}

	return &Subkey{
		PrivateKey: priv,
		CCID:       ccid,
		CKID:       ckid,
		Domain:     domain,
		Name:       strings.Join(fields[3:], " "),
	}, nil
}

// Sign signs data and returns the hex encoded r||s||v signature.
func (k *Subkey) Sign(data []byte) string {
	return hex.EncodeToString(signCompact(k.PrivateKey, data))
}

// computeID derives a bech32 id from the last 20 bytes of the keccak hash of
// the uncompressed public key.
func computeID(hrp string, pub *secp256k1.PublicKey) (string, error) {
	sum := keccak256(pub.SerializeUncompressed()[1:])
	conv, err := bech32.ConvertBits(sum[12:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.Encode(hrp, conv)
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
