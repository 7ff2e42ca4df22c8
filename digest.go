package appupd

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Digest is a self-describing checksum: an algorithm name and the raw sum.
//
// The text form is "algo:hex", as produced by release-asset digest fields.
type Digest struct {
	algo     string
	checksum []byte
}

func (d Digest) Checksum() []byte { return d.checksum }

func (d Digest) Algorithm() string { return d.algo }

// Hex returns the lowercase hex encoding of the checksum.
func (d Digest) Hex() string { return hex.EncodeToString(d.checksum) }

func (d Digest) String() string {
	b, _ := d.MarshalText()
	return string(b)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	el := hex.EncodedLen(len(d.checksum))
	hl := len(d.algo) + 1
	b := make([]byte, hl+el)
	copy(b, d.algo)
	b[len(d.algo)] = ':'
	hex.Encode(b[hl:], d.checksum)
	return b, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return fmt.Errorf("invalid digest format")
	}
	d.algo = string(t[:i])
	t = t[i+1:]
	d.checksum = make([]byte, hex.DecodedLen(len(t)))
	if _, err := hex.Decode(d.checksum, t); err != nil {
		return fmt.Errorf("invalid digest format")
	}
	return nil
}

func NewDigest(algo string, sum []byte) Digest {
	return Digest{
		algo:     algo,
		checksum: sum,
	}
}

func ParseDigest(digest string) (Digest, error) {
	d := Digest{}
	return d, d.UnmarshalText([]byte(digest))
}

// DefaultAlgorithm is used when a config leaves checksum_algorithm unset.
const DefaultAlgorithm = `sha256`

// NewHash returns a new hash for the named algorithm, or an error for
// algorithms outside the supported set {sha256, sha1, md5}.
func NewHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "", DefaultAlgorithm:
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	}
	return nil, &Error{
		Kind:    ErrValidation,
		Op:      `digest.NewHash`,
		Message: fmt.Sprintf("unsupported checksum algorithm %q", algo),
	}
}

// ValidAlgorithm reports whether algo names a supported hash.
func ValidAlgorithm(algo string) bool {
	_, err := NewHash(algo)
	return err == nil
}

// HashFile computes the named file's digest under the given algorithm,
// returning lowercase hex.
func HashFile(path, algo string) (string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EqualHex compares two hex digests without regard to case.
func EqualHex(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ChecksumLine matches one entry of a checksum manifest: optional leading
// whitespace, a hex digest, one or two spaces, an optional "*" binary
// marker, and the filename.
var checksumLine = regexp.MustCompile(`^\s*([0-9a-fA-F]{32,128})\s+\*?(.+?)\s*$`)

// FindChecksum scans a checksum manifest for the entry naming the given
// file and returns its hex digest. Matching is by basename. An empty string
// is returned when the manifest has no entry for the file.
func FindChecksum(r io.Reader, filename string) (string, error) {
	want := filepath.Base(filename)
	s := bufio.NewScanner(r)
	for s.Scan() {
		m := checksumLine.FindStringSubmatch(s.Text())
		if m == nil {
			continue
		}
		if filepath.Base(m[2]) == want {
			return strings.ToLower(m[1]), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", nil
}

// FindChecksumFile is [FindChecksum] over a file on disk.
func FindChecksumFile(path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return FindChecksum(f, filename)
}
