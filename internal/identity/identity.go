// Package identity implements the Identity Resolver: a
// layered NSS-style lookup over local databases with an optional
// directory-service fallback, and the admin-group short circuit used
// by the Policy Engine's safe-command path.
package identity

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/model"
)

var ErrNotFound = errors.New("identity: not found")

// AdminGroups is the ordered set consulted by IsAdmin.
var AdminGroups = []string{"wheel", "sudo", "admin"}

// DirectoryService is the library-call fallback source. A nil
// DirectoryService skips that source.
type DirectoryService interface {
	LookupUser(ctx context.Context, name string) (model.UserRecord, error)
	LookupGroup(ctx context.Context, name string) (model.GroupRecord, error)
}

// Resolver implements the Identity Resolver against the local
// passwd/group databases, optionally falling through to a
// DirectoryService.
type Resolver struct {
	PasswdPath string
	GroupPath  string
	Directory  DirectoryService
	Timeout    time.Duration

	// OnMalformedLine, if set, is called for every passwd/group line
	// that is skipped for being malformed. The caller wires this to
	// the Audit Sink.
	OnMalformedLine func(source, line string)
}

func (r *Resolver) malformed(source, line string) {
	if r.OnMalformedLine != nil {
		r.OnMalformedLine(source, line)
	}
}

func NewResolver(passwdPath, groupPath string, dir DirectoryService) *Resolver {
	if passwdPath == "" {
		passwdPath = "/etc/passwd"
	}
	if groupPath == "" {
		groupPath = "/etc/group"
	}
	return &Resolver{
		PasswdPath: passwdPath,
		GroupPath:  groupPath,
		Directory:  dir,
		Timeout:    5 * time.Second,
	}
}

// LookupUser tries the files source, then the directory service.
// Errors other than not-found fall through to the next source; a
// definitive negative is respected only for the source that gave it.
func (r *Resolver) LookupUser(ctx context.Context, name string) (model.UserRecord, error) {
	u, err := r.lookupUserFiles(name)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("source", "files").Str("user", name).Msg("identity source error, falling through")
	}
	if r.Directory == nil {
		return model.UserRecord{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return r.Directory.LookupUser(ctx, name)
}

func (r *Resolver) LookupGroup(ctx context.Context, name string) (model.GroupRecord, error) {
	g, err := r.lookupGroupFiles(name)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("source", "files").Str("group", name).Msg("identity source error, falling through")
	}
	if r.Directory == nil {
		return model.GroupRecord{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return r.Directory.LookupGroup(ctx, name)
}

// lookupUserFiles parses /etc/passwd directly: "absent local database
// → the source is skipped, not fatal" and "a line whose fields cannot
// be parsed as integer ids is treated as absent".
func (r *Resolver) lookupUserFiles(name string) (model.UserRecord, error) {
	f, err := os.Open(r.PasswdPath)
	if err != nil {
		return model.UserRecord{}, ErrNotFound
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			r.malformed(r.PasswdPath, line)
			continue
		}
		if fields[0] != name {
			continue
		}
		uid, err1 := strconv.ParseUint(fields[2], 10, 32)
		gid, err2 := strconv.ParseUint(fields[3], 10, 32)
		if err1 != nil || err2 != nil {
			r.malformed(r.PasswdPath, line) // unparsable ids: line treated as absent
			continue
		}
		return model.UserRecord{
			Name:  fields[0],
			UID:   uint32(uid),
			GID:   uint32(gid),
			GECOS: fields[4],
			Home:  fields[5],
			Shell: fields[6],
		}, nil
	}
	return model.UserRecord{}, ErrNotFound
}

func (r *Resolver) lookupGroupFiles(name string) (model.GroupRecord, error) {
	f, err := os.Open(r.GroupPath)
	if err != nil {
		return model.GroupRecord{}, ErrNotFound
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			r.malformed(r.GroupPath, line)
			continue
		}
		if fields[0] != name {
			continue
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			r.malformed(r.GroupPath, line)
			continue
		}
		var members []string
		if fields[3] != "" {
			members = strings.Split(fields[3], ",")
		}
		return model.GroupRecord{Name: fields[0], GID: uint32(gid), Members: members}, nil
	}
	return model.GroupRecord{}, ErrNotFound
}

// GroupsOf returns the name of every local group the user belongs to,
// by direct listing or primary group membership.
func (r *Resolver) GroupsOf(ctx context.Context, username string) ([]string, error) {
	user, err := r.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(r.GroupPath)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	var groups []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			r.malformed(r.GroupPath, line)
			continue
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			r.malformed(r.GroupPath, line)
			continue
		}
		isPrimary := uint32(gid) == user.GID
		isMember := false
		if fields[3] != "" {
			for _, m := range strings.Split(fields[3], ",") {
				if m == username {
					isMember = true
					break
				}
			}
		}
		if isPrimary || isMember {
			groups = append(groups, fields[0])
		}
	}
	return groups, nil
}

// GroupIDs returns the gid of every group the user belongs to,
// including the primary group. This is the platform-defined
// supplementary set the Executor installs before execve.
func (r *Resolver) GroupIDs(ctx context.Context, username string) ([]uint32, error) {
	user, err := r.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}

	ids := []uint32{user.GID}
	f, err := os.Open(r.GroupPath)
	if err != nil {
		return ids, nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			r.malformed(r.GroupPath, line)
			continue
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			r.malformed(r.GroupPath, line)
			continue
		}
		if uint32(gid) == user.GID {
			continue
		}
		for _, m := range strings.Split(fields[3], ",") {
			if m == username {
				ids = append(ids, uint32(gid))
				break
			}
		}
	}
	return ids, nil
}

// AdminGroup returns the first group in AdminGroups the user belongs
// to, in the ordered set's declaration order.
func (r *Resolver) AdminGroup(ctx context.Context, username string) (string, bool) {
	groups, err := r.GroupsOf(ctx, username)
	if err != nil {
		return "", false
	}
	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}
	for _, g := range AdminGroups {
		if member[g] {
			return g, true
		}
	}
	return "", false
}

// IsAdmin reports whether username belongs to any of AdminGroups.
// The Identity Resolver never invokes the privilege tool itself to
// answer this (no recursive delegation).
func (r *Resolver) IsAdmin(ctx context.Context, username string) bool {
	_, ok := r.AdminGroup(ctx, username)
	return ok
}
