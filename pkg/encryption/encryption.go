// Package encryption seals chunk payloads before they leave the validator.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jacktea/chunkvault/pkg/xerrors"
)

// Method enumerates supported sealing algorithms.
type Method string

const (
	// MethodNone places chunks as plaintext.
	MethodNone Method = "none"
	// MethodAES256CTR encrypts with AES-256 in CTR mode behind a random IV prefix.
	MethodAES256CTR Method = "aes-256-ctr"
)

// Options describes how chunks are sealed.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether sealing should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256CTR:
		if len(o.Key) != 32 {
			return xerrors.E(xerrors.KindInvalid, "encryption", fmt.Sprintf("aes-256-ctr requires a 32-byte key, got %d", len(o.Key)))
		}
	default:
		return xerrors.E(xerrors.KindInvalid, "encryption", fmt.Sprintf("unsupported method %q", o.Method))
	}
	return nil
}

// ParseKey accepts a 64-character hex key, or derives one from any other
// passphrase with SHA-256.
func ParseKey(s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key
		}
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// Seal returns plain encrypted according to opts. With sealing disabled the
// input is returned unchanged.
func Seal(opts Options, plain []byte) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return plain, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(iv)+len(plain))
	copy(out, iv)
	cipher.NewCTR(block, iv).XORKeyStream(out[len(iv):], plain)
	return out, nil
}

// Open reverses Seal.
func Open(opts Options, sealed []byte) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return sealed, nil
	}
	if len(sealed) < aes.BlockSize {
		return nil, xerrors.E(xerrors.KindManifestCorrupt, "encryption.Open", "ciphertext missing IV")
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	iv := sealed[:aes.BlockSize]
	plain := make([]byte, len(sealed)-aes.BlockSize)
	cipher.NewCTR(block, iv).XORKeyStream(plain, sealed[aes.BlockSize:])
	return plain, nil
}

// Overhead returns the number of bytes Seal adds for method.
func Overhead(method Method) int {
	switch method {
	case MethodAES256CTR:
		return aes.BlockSize
	default:
		return 0
	}
}
