package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passwdFixture = `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
alice:x:1001:1001:Alice:/home/alice:/bin/bash
bob:x:1002:1002:Bob:/home/bob:/bin/bash
broken:x:notanumber:1003::/home/broken:/bin/bash
shortline
`

const groupFixture = `root:x:0:
wheel:x:10:alice
ops:x:2000:alice,bob
bob:x:1002:
badgid:x:nope:alice
`

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	dir := t.TempDir()
	passwd := filepath.Join(dir, "passwd")
	group := filepath.Join(dir, "group")
	require.NoError(t, os.WriteFile(passwd, []byte(passwdFixture), 0644))
	require.NoError(t, os.WriteFile(group, []byte(groupFixture), 0644))
	return NewResolver(passwd, group, nil)
}

func TestLookupUser(t *testing.T) {
	r := testResolver(t)

	u, err := r.LookupUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(1001), u.UID)
	assert.Equal(t, uint32(1001), u.GID)
	assert.Equal(t, "/home/alice", u.Home)
	assert.Equal(t, "/bin/bash", u.Shell)

	_, err = r.LookupUser(context.Background(), "nobody-here")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupUserUnparsableIDsTreatedAsAbsent(t *testing.T) {
	r := testResolver(t)
	_, err := r.LookupUser(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMalformedLinesAreReported(t *testing.T) {
	r := testResolver(t)
	var reported []string
	r.OnMalformedLine = func(source, line string) {
		reported = append(reported, line)
	}

	_, _ = r.LookupUser(context.Background(), "zzz-no-such-user")
	assert.Contains(t, reported, "shortline")
}

func TestLookupGroup(t *testing.T) {
	r := testResolver(t)

	g, err := r.LookupGroup(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, uint32(2000), g.GID)
	assert.Equal(t, []string{"alice", "bob"}, g.Members)

	_, err = r.LookupGroup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupsOf(t *testing.T) {
	r := testResolver(t)

	groups, err := r.GroupsOf(context.Background(), "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "ops"}, groups, "primary group plus direct memberships")

	groups, err = r.GroupsOf(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, groups, "wheel")
	assert.Contains(t, groups, "ops")
}

func TestGroupIDs(t *testing.T) {
	r := testResolver(t)

	ids, err := r.GroupIDs(context.Background(), "bob")
	require.NoError(t, err)
	assert.Contains(t, ids, uint32(1002), "primary gid always present")
	assert.Contains(t, ids, uint32(2000))
}

func TestIsAdminAndAdminGroup(t *testing.T) {
	r := testResolver(t)

	assert.True(t, r.IsAdmin(context.Background(), "alice"))
	group, ok := r.AdminGroup(context.Background(), "alice")
	require.True(t, ok)
	assert.Equal(t, "wheel", group)

	assert.False(t, r.IsAdmin(context.Background(), "bob"))
	_, ok = r.AdminGroup(context.Background(), "bob")
	assert.False(t, ok)
}

func TestAbsentDatabaseIsNotFatal(t *testing.T) {
	r := NewResolver("/nonexistent/passwd", "/nonexistent/group", nil)
	_, err := r.LookupUser(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}
