package store

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// cacacheDir is the content-addressed cache npm >= 5 keeps under its
	// cache root.
	cacacheDir = "_cacache"
	contentDir = "content-v2"
	tmpDir     = "tmp"

	legacyTarball = "package.tgz"
)

// Store is an npm cache directory. It understands both layouts npm has
// used: the legacy <root>/<name>/<version>/package.tgz tree and the
// content-addressed _cacache/content-v2 tree.
type Store interface {
	// Root returns the cache root.
	Root() string
	// Path returns the path for segments joined under the root. Does not
	// create or verify the path.
	Path(segments ...string) string
	// Exists reports whether the path at segments exists.
	Exists(segments ...string) (bool, error)
	// LegacyTarball returns where npm < 5 caches name@version.
	LegacyTarball(name, version string) string
	// OpenLegacy opens the legacy tarball for name@version.
	OpenLegacy(name, version string) (io.ReadCloser, error)
	// ContentPath returns where content with digest d lives.
	ContentPath(d digest.Digest) string
	// OpenByIntegrity opens content by SRI string. The returned reader
	// fails at EOF if the bytes do not match the digest.
	OpenByIntegrity(integrity string) (io.ReadCloser, error)
	// OpenDigest opens content by digest, verifying it for sha1 and every
	// algorithm go-digest supports.
	OpenDigest(d digest.Digest) (io.ReadCloser, error)
	// Put copies r into the content-addressed tree and returns its sha512
	// integrity. The content becomes visible only once fully written and
	// matching every digest in expect; on a mismatch nothing is stored and
	// the error wraps ErrIntegrity.
	Put(r io.Reader, expect ...digest.Digest) (string, error)
}

// New returns a Store rooted at root on fs.
func New(fs afero.Fs, root string) Store {
	return &store{fs: fs, root: root}
}

// NewOS returns a Store on the real filesystem.
func NewOS(root string) Store {
	return New(afero.NewOsFs(), root)
}

type store struct {
	fs   afero.Fs
	root string
}

var _ Store = &store{}

func (s *store) Root() string {
	return s.root
}

func (s *store) Path(segments ...string) string {
	return filepath.Join(append([]string{s.root}, segments...)...)
}

func (s *store) Exists(segments ...string) (bool, error) {
	return afero.Exists(s.fs, s.Path(segments...))
}

func (s *store) LegacyTarball(name, version string) string {
	segs := append(strings.Split(name, "/"), version, legacyTarball)
	return s.Path(segs...)
}

func (s *store) OpenLegacy(name, version string) (io.ReadCloser, error) {
	path := s.LegacyTarball(name, version)
	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, rerrors.Wrap(rerrors.CodeNotFound, err, "no cached tarball for %s@%s", name, version)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

func (s *store) ContentPath(d digest.Digest) string {
	enc := d.Encoded()
	segs := []string{cacacheDir, contentDir, string(d.Algorithm())}
	if len(enc) > 4 {
		segs = append(segs, enc[:2], enc[2:4], enc[4:])
	} else {
		segs = append(segs, enc)
	}
	return s.Path(segs...)
}

func (s *store) OpenByIntegrity(integrity string) (io.ReadCloser, error) {
	d, err := ParseIntegrity(integrity)
	if err != nil {
		return nil, err
	}
	return s.OpenDigest(d)
}

func (s *store) OpenDigest(d digest.Digest) (io.ReadCloser, error) {
	path := s.ContentPath(d)
	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, rerrors.Wrap(rerrors.CodeNotFound, err, "no cached content for %s", d)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	c, err := newCheck(d)
	if err != nil {
		return f, nil
	}
	return &verifyingReader{ReadCloser: f, check: c}, nil
}

func (s *store) Put(r io.Reader, expect ...digest.Digest) (string, error) {
	checks := make([]check, 0, len(expect))
	for _, d := range expect {
		c, err := newCheck(d)
		if err != nil {
			return "", err
		}
		checks = append(checks, c)
	}

	staging := s.Path(cacacheDir, tmpDir)
	if err := s.fs.MkdirAll(staging, dirPerm); err != nil {
		return "", fmt.Errorf("creating %s: %w", staging, err)
	}

	tmp, err := afero.TempFile(s.fs, staging, "put-")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	// removing an already-renamed file is a harmless no-op
	defer s.fs.Remove(tmp.Name())

	digester := digest.SHA512.Digester()
	writers := []io.Writer{tmp, digester.Hash()}
	for _, c := range checks {
		writers = append(writers, c.hash)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing staging file: %w", err)
	}
	for _, c := range checks {
		if err := c.verify(); err != nil {
			return "", err
		}
	}

	d := digester.Digest()
	dest := s.ContentPath(d)
	if err := s.fs.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := s.fs.Chmod(tmp.Name(), filePerm); err != nil {
		return "", fmt.Errorf("chmod staging file: %w", err)
	}
	if err := s.fs.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("moving content into place: %w", err)
	}

	return FormatIntegrity(d)
}

// ErrIntegrity reports content that does not match its expected digest.
var ErrIntegrity = errors.New("integrity mismatch")

// check hashes content on its way into the store. sha1 is not an algorithm
// go-digest registers, so it is hashed directly.
type check struct {
	want digest.Digest
	hash hash.Hash
}

func newCheck(d digest.Digest) (check, error) {
	switch {
	case d.Algorithm() == SHA1:
		return check{want: d, hash: sha1.New()}, nil
	case d.Algorithm().Available():
		return check{want: d, hash: d.Algorithm().Hash()}, nil
	default:
		return check{}, fmt.Errorf("cannot verify %s digests", d.Algorithm())
	}
}

func (c check) verify() error {
	got := hex.EncodeToString(c.hash.Sum(nil))
	if got != c.want.Encoded() {
		return fmt.Errorf("%w: want %s, got %s:%s", ErrIntegrity, c.want, c.want.Algorithm(), got)
	}
	return nil
}

type verifyingReader struct {
	io.ReadCloser
	check check
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.check.hash.Write(p[:n])
	}
	if err == io.EOF && r.check.verify() != nil {
		return n, fmt.Errorf("cached content does not match %s", r.check.want)
	}
	return n, err
}
