// Package monitor decides when a script resource has to be (re)loaded.
//
// A Tracker compares the current state of a file with a previously captured
// Revision. Re-checks of the same revision are throttled by a minimum
// interval; a Watcher can bypass the throttle for files it saw change.
package monitor

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// ErrUnknownDigest is returned by ParseDigestMode.
var ErrUnknownDigest = errors.New("monitor: unknown digest mode")

// DigestMode selects how file content is compared.
type DigestMode int

const (
	// DigestNone compares existence and size only.
	DigestNone DigestMode = iota
	// DigestXXHash compares a 64-bit xxhash of the content.
	DigestXXHash
	// DigestSHA256 compares a SHA-256 of the content.
	DigestSHA256
)

// ParseDigestMode maps a configuration value to a DigestMode.
func ParseDigestMode(s string) (DigestMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "size":
		return DigestNone, nil
	case "xxhash":
		return DigestXXHash, nil
	case "sha256", "strong":
		return DigestSHA256, nil
	default:
		return DigestNone, fmt.Errorf("%w: %q", ErrUnknownDigest, s)
	}
}

func (m DigestMode) String() string {
	switch m {
	case DigestXXHash:
		return "xxhash"
	case DigestSHA256:
		return "sha256"
	default:
		return "none"
	}
}

// Options configures a Tracker.
type Options struct {
	// Root is prepended to every key to locate the file.
	Root string
	// MinInterval is the minimum age of a revision before it is re-checked.
	MinInterval time.Duration
	Digest      DigestMode
	// Now defaults to time.Now.
	Now func() time.Time
}

// Tracker observes script files through an afero filesystem.
type Tracker struct {
	fs     afero.Fs
	opts   Options
	gens   sync.Map // key -> *atomic.Uint64
	checks atomic.Uint64
}

// NewTracker returns a Tracker reading from fsys.
func NewTracker(fsys afero.Fs, opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinInterval < 0 {
		opts.MinInterval = 0
	}

	return &Tracker{fs: fsys, opts: opts}
}

// Observe reports whether key changed relative to prev.
//
// Unless force is set, a revision younger than the minimum interval is
// reported Unchanged without touching the file. Otherwise the file is
// inspected: a missing file is Deleted, an equal revision is Unchanged (with
// a fresh capture time) and anything else is Changed, with the content that
// was read while computing the digest.
func (t *Tracker) Observe(key string, prev Revision, force bool) (Observation, error) {
	now := t.opts.Now()
	gen := t.Generation(key)

	if !force && prev.Observed() && prev.Gen == gen && now.Sub(prev.Captured) < t.opts.MinInterval {
		return Observation{Status: Unchanged, Revision: prev}, nil
	}

	t.checks.Add(1)
	path := t.Path(key)
	deleted := Observation{Status: Deleted, Revision: Revision{Captured: now, Gen: gen}}

	info, err := t.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return deleted, nil
		}
		return Observation{}, fmt.Errorf("monitor: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return deleted, nil
	}

	rev := Revision{Exists: true, Size: info.Size(), Captured: now, Gen: gen}

	var content []byte
	if t.opts.Digest != DigestNone {
		if content, err = afero.ReadFile(t.fs, path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return deleted, nil
			}
			return Observation{}, fmt.Errorf("monitor: read %s: %w", path, err)
		}
		rev.Size = int64(len(content))
		rev.Digest = t.digest(content)
	}

	if rev.Equal(prev) {
		return Observation{Status: Unchanged, Revision: rev}, nil
	}

	if content == nil {
		if content, err = afero.ReadFile(t.fs, path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return deleted, nil
			}
			return Observation{}, fmt.Errorf("monitor: read %s: %w", path, err)
		}
		rev.Size = int64(len(content))
	}

	return Observation{Status: Changed, Revision: rev, Content: content}, nil
}

// Invalidate makes the next Observe of key inspect the file regardless of
// the throttle.
func (t *Tracker) Invalidate(key string) {
	v, _ := t.gens.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Generation returns the number of invalidations seen for key.
func (t *Tracker) Generation(key string) uint64 {
	v, ok := t.gens.Load(key)
	if !ok {
		return 0
	}

	return v.(*atomic.Uint64).Load()
}

// Checks returns how many times a file was actually inspected.
func (t *Tracker) Checks() uint64 {
	return t.checks.Load()
}

// Path maps a key to a file path under the root.
func (t *Tracker) Path(key string) string {
	return filepath.Join(t.opts.Root, filepath.FromSlash(key))
}

// Key maps a file path under the root back to its key.
func (t *Tracker) Key(path string) string {
	if t.opts.Root != "" {
		if rel, err := filepath.Rel(t.opts.Root, path); err == nil {
			path = rel
		}
	}

	return Simplify(path)
}

// Root returns the document root.
func (t *Tracker) Root() string {
	return t.opts.Root
}

func (t *Tracker) digest(content []byte) []byte {
	switch t.opts.Digest {
	case DigestSHA256:
		sum := sha256.Sum256(content)
		return sum[:]
	case DigestXXHash:
		return binary.BigEndian.AppendUint64(nil, xxhash.Sum64(content))
	default:
		return nil
	}
}
