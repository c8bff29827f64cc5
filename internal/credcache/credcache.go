// Package credcache implements the Credential Cache: a
// signed, fixed-layout binary record per (user, terminal) pair under a
// root-owned 0700 directory, guarded by an advisory exclusive file
// lock.
package credcache

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"

	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/model"
)

const (
	usernameFieldLen = 64
	sessionIDFieldLen = 64
	terminalFieldLen = 64
	hostnameFieldLen = 64
	macLen            = 32 // blake2b-256
	recordLen         = usernameFieldLen + 8 + sessionIDFieldLen + 4 + 4 + terminalFieldLen + hostnameFieldLen + macLen
)

var (
	// ErrInvalid reports that a cache file failed validation and was
	// deleted.
	ErrInvalid = errors.New("credcache: invalid cache entry")
	// ErrExists is returned by Update when create-exclusive races.
	ErrExists = errors.New("credcache: entry already being written")
)

// Cache implements check/update/clear/sweep over root-owned 0700
// directory entries.
type Cache struct {
	Dir     string
	Timeout time.Duration
	// MACKey keys the blake2b MAC appended to each record.
	MACKey []byte
	Now    func() time.Time
	// OwnerUID is the uid every cache file must be owned by. Zero (the
	// superuser) in production; tests running unprivileged point it at
	// their own uid.
	OwnerUID uint32
}

func New(dir string, timeout time.Duration, macKey []byte) *Cache {
	return &Cache{Dir: dir, Timeout: timeout, MACKey: macKey, Now: time.Now}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ensureDir creates the root-owned 0700 cache directory on demand.
func (c *Cache) ensureDir() error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("credcache: mkdir %s: %w", c.Dir, err)
	}
	return os.Chmod(c.Dir, 0700)
}

func terminalLabel(terminal string) string {
	if terminal == "" {
		return "unknown"
	}
	return strings.ReplaceAll(terminal, "/", "_")
}

func (c *Cache) path(username, terminal string) string {
	return filepath.Join(c.Dir, fmt.Sprintf("auth_cache_%s_%s", username, terminalLabel(terminal)))
}

// Check implements check(user) -> valid|invalid: expected ownership,
// mode exactly 0600, matching username, an intact MAC, and
// now-timestamp <= timeout. Any violation deletes the file and
// returns invalid (folded into a cache-miss by the caller).
func (c *Cache) Check(username, terminal string) (model.CredentialCacheEntry, bool) {
	path := c.path(username, terminal)

	f, err := os.Open(path)
	if err != nil {
		return model.CredentialCacheEntry{}, false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return model.CredentialCacheEntry{}, false
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	info, err := f.Stat()
	if err != nil {
		return model.CredentialCacheEntry{}, false
	}
	if info.Mode().Perm() != 0600 {
		c.invalidate(path)
		return model.CredentialCacheEntry{}, false
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Uid != c.OwnerUID {
		c.invalidate(path)
		return model.CredentialCacheEntry{}, false
	}

	buf := make([]byte, recordLen)
	if _, err := f.ReadAt(buf, 0); err != nil {
		c.invalidate(path)
		return model.CredentialCacheEntry{}, false
	}

	entry, ok := c.decode(buf)
	if !ok {
		c.invalidate(path)
		return model.CredentialCacheEntry{}, false
	}
	if entry.Username != username {
		c.invalidate(path)
		return model.CredentialCacheEntry{}, false
	}
	if c.now().Sub(entry.Timestamp) > c.Timeout {
		c.invalidate(path)
		return model.CredentialCacheEntry{}, false
	}

	return entry, true
}

func (c *Cache) invalidate(path string) {
	_ = os.Remove(path)
}

// Update implements update(user) -> ok|err: create-exclusive to
// prevent spoofing, write, fsync, then release the lock.
func (c *Cache) Update(entry model.CredentialCacheEntry) error {
	if err := c.ensureDir(); err != nil {
		return err
	}
	path := c.path(entry.Username, entry.Terminal)

	// Create-exclusive per file; an existing valid entry is replaced
	// atomically via rename after the temp file is fully written, so a
	// concurrent reader never observes a torn record.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("credcache: create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("credcache: flock: %w", err)
	}

	buf := c.encode(entry)
	if _, err := f.Write(buf); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("credcache: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("credcache: fsync: %w", err)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("credcache: rename: %w", err)
	}
	return nil
}

// Clear implements clear(user): remove the entry for (user, terminal).
func (c *Cache) Clear(username, terminal string) {
	_ = os.Remove(c.path(username, terminal))
}

// Sweep removes every entry older than the configured timeout.
func (c *Cache) Sweep() int {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "auth_cache_") {
			continue
		}
		path := filepath.Join(c.Dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if c.now().Sub(info.ModTime()) > c.Timeout {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Debug().Int("count", removed).Msg("credcache: swept stale entries")
	}
	return removed
}

func (c *Cache) mac(body []byte) []byte {
	h, _ := blake2b.New256(c.MACKey)
	h.Write(body)
	return h.Sum(nil)
}

func (c *Cache) encode(e model.CredentialCacheEntry) []byte {
	buf := make([]byte, recordLen-macLen)
	putFixedString(buf[0:usernameFieldLen], e.Username)
	off := usernameFieldLen
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Timestamp.Unix()))
	off += 8
	putFixedString(buf[off:off+sessionIDFieldLen], e.SessionID)
	off += sessionIDFieldLen
	binary.BigEndian.PutUint32(buf[off:off+4], e.UID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], e.GID)
	off += 4
	putFixedString(buf[off:off+terminalFieldLen], e.Terminal)
	off += terminalFieldLen
	putFixedString(buf[off:off+hostnameFieldLen], e.Hostname)

	return append(buf, c.mac(buf)...)
}

func (c *Cache) decode(buf []byte) (model.CredentialCacheEntry, bool) {
	if len(buf) != recordLen {
		return model.CredentialCacheEntry{}, false
	}
	body := buf[:recordLen-macLen]
	gotMAC := buf[recordLen-macLen:]
	wantMAC := c.mac(body)
	if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 {
		return model.CredentialCacheEntry{}, false
	}

	off := 0
	username := getFixedString(body[off : off+usernameFieldLen])
	off += usernameFieldLen
	ts := int64(binary.BigEndian.Uint64(body[off : off+8]))
	off += 8
	sessionID := getFixedString(body[off : off+sessionIDFieldLen])
	off += sessionIDFieldLen
	uid := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	gid := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	terminal := getFixedString(body[off : off+terminalFieldLen])
	off += terminalFieldLen
	hostname := getFixedString(body[off : off+hostnameFieldLen])

	return model.CredentialCacheEntry{
		Username:  username,
		Timestamp: time.Unix(ts, 0).UTC(),
		SessionID: sessionID,
		UID:       uid,
		GID:       gid,
		Terminal:  terminal,
		Hostname:  hostname,
	}, true
}

func putFixedString(field []byte, s string) {
	for i := range field {
		field[i] = 0
	}
	copy(field, s)
}

func getFixedString(field []byte) string {
	i := bytes.IndexByte(field, 0)
	if i < 0 {
		i = len(field)
	}
	return string(field[:i])
}
