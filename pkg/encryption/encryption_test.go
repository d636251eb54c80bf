package encryption

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jacktea/chunkvault/pkg/xerrors"
)

func TestSealOpenRoundTrip(t *testing.T) {
	opts := Options{
		Method: MethodAES256CTR,
		Key:    bytes.Repeat([]byte{0x42}, 32),
	}
	sealed, err := Seal(opts, []byte("top-secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(sealed) != len("top-secret")+Overhead(opts.Method) {
		t.Fatalf("sealed length %d", len(sealed))
	}
	if bytes.Contains(sealed, []byte("top-secret")) {
		t.Fatalf("plaintext leaked into sealed payload")
	}
	plain, err := Open(opts, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "top-secret" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	opts := Options{Method: MethodAES256CTR, Key: bytes.Repeat([]byte{1}, 32)}
	a, _ := Seal(opts, []byte("same"))
	b, _ := Seal(opts, []byte("same"))
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same input are identical")
	}
}

func TestDisabledIsIdentity(t *testing.T) {
	for _, opts := range []Options{{}, {Method: MethodNone}} {
		out, err := Seal(opts, []byte("x"))
		if err != nil || string(out) != "x" {
			t.Fatalf("seal(%+v) = %q, %v", opts, out, err)
		}
		out, err = Open(opts, []byte("x"))
		if err != nil || string(out) != "x" {
			t.Fatalf("open(%+v) = %q, %v", opts, out, err)
		}
	}
}

func TestValidate(t *testing.T) {
	testcases := []struct {
		name string
		opts Options
		ok   bool
	}{
		{name: "none", opts: Options{Method: MethodNone}, ok: true},
		{name: "aes", opts: Options{Method: MethodAES256CTR, Key: make([]byte, 32)}, ok: true},
		{name: "short key", opts: Options{Method: MethodAES256CTR, Key: make([]byte, 16)}, ok: false},
		{name: "unknown", opts: Options{Method: "rot13"}, ok: false},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
			if err != nil && !xerrors.Is(err, xerrors.KindInvalid) {
				t.Fatalf("unexpected kind for %v", err)
			}
		})
	}
}

func TestOpenShortCiphertext(t *testing.T) {
	opts := Options{Method: MethodAES256CTR, Key: make([]byte, 32)}
	if _, err := Open(opts, []byte("short")); !xerrors.Is(err, xerrors.KindManifestCorrupt) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	if key := ParseKey(hexKey); len(key) != 32 || key[0] != 0xab {
		t.Fatalf("hex key parsed as %x", key)
	}
	if key := ParseKey("correct horse"); len(key) != 32 {
		t.Fatalf("passphrase key length %d", len(key))
	}
	if ParseKey("  ") != nil {
		t.Fatalf("blank key should be nil")
	}
}
