package store

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"

	// register the hashes go-digest verifies with
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// SHA1 addresses tarballs of packages published before npm recorded
// integrity strings. go-digest cannot verify it.
const SHA1 digest.Algorithm = "sha1"

// algorithm strength, strongest first
var algorithms = []digest.Algorithm{digest.SHA512, digest.SHA384, digest.SHA256, SHA1}

// ParseIntegrity converts a Subresource Integrity string
// ("sha512-<base64> sha1-<base64>") to the digest of its strongest
// supported hash.
func ParseIntegrity(sri string) (digest.Digest, error) {
	found := make(map[digest.Algorithm]string)
	for _, tok := range strings.Fields(sri) {
		alg, b64, ok := strings.Cut(tok, "-")
		if !ok {
			continue
		}
		// options after '?' are not part of the hash
		b64, _, _ = strings.Cut(b64, "?")
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("decoding %s integrity: %w", alg, err)
		}
		found[digest.Algorithm(strings.ToLower(alg))] = hex.EncodeToString(raw)
	}

	for _, alg := range algorithms {
		enc, ok := found[alg]
		if !ok {
			continue
		}
		d := digest.NewDigestFromEncoded(alg, enc)
		if alg.Available() {
			if err := d.Validate(); err != nil {
				return "", fmt.Errorf("invalid integrity %q: %w", sri, err)
			}
		}
		return d, nil
	}
	return "", fmt.Errorf("no supported hash in integrity %q", sri)
}

// FromShasum builds the digest npm files hex sha1 shasums under.
func FromShasum(shasum string) (digest.Digest, error) {
	if _, err := hex.DecodeString(shasum); err != nil || len(shasum) != 40 {
		return "", fmt.Errorf("invalid shasum %q", shasum)
	}
	return digest.NewDigestFromEncoded(SHA1, strings.ToLower(shasum)), nil
}

// FormatIntegrity renders d as an SRI string.
func FormatIntegrity(d digest.Digest) (string, error) {
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", d, err)
	}
	return string(d.Algorithm()) + "-" + base64.StdEncoding.EncodeToString(raw), nil
}
