package policy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudosh/sudosh/internal/model"
)

type fakeIdentity struct {
	groups map[string][]string
}

func (f fakeIdentity) GroupsOf(ctx context.Context, username string) ([]string, error) {
	return f.groups[username], nil
}

func (f fakeIdentity) IsAdmin(ctx context.Context, username string) bool {
	for _, g := range f.groups[username] {
		if g == "wheel" || g == "sudo" || g == "admin" {
			return true
		}
	}
	return false
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(
		fakeIdentity{groups: map[string][]string{
			"carol": {"carol"},
			"dave":  {"dave", "ops"},
		}},
		func() ([]net.IP, error) {
			return []net.IP{net.ParseIP("10.1.2.3").To4()}, nil
		},
	)
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func caller(user string) model.CallerContext {
	return model.CallerContext{
		RealUser:      user,
		HostnameShort: "db01",
		HostnameCanon: "db01.example.com",
	}
}

func rootTarget() model.TargetIdentity {
	return model.TargetIdentity{User: "root"}
}

func TestDecideExactRule(t *testing.T) {
	e := testEngine(t)
	set := model.PolicySet{LocalRules: []model.Rule{{
		Users:       []string{"carol"},
		Hosts:       []string{"db01"},
		Commands:    []string{"/usr/bin/systemctl restart nginx"},
		NoPasswd:    true,
		SourceLabel: "sudoers",
	}}}

	v := e.Decide(context.Background(), caller("carol"), rootTarget(), "/usr/bin/systemctl restart nginx", set, false)
	require.True(t, v.Allowed)
	assert.Equal(t, "sudoers", v.SourceLabel)
	assert.True(t, v.NoPasswd)
	assert.False(t, v.RequirePassword)

	v = e.Decide(context.Background(), caller("carol"), rootTarget(), "/usr/bin/systemctl stop nginx", set, false)
	assert.False(t, v.Allowed)
}

func TestDecideGroupAndWildcardMatching(t *testing.T) {
	e := testEngine(t)
	set := model.PolicySet{LocalRules: []model.Rule{{
		Users:    []string{"%ops"},
		Hosts:    []string{"db*"},
		RunAsUser: "ALL",
		Commands: []string{"ALL"},
	}}}

	v := e.Decide(context.Background(), caller("dave"), rootTarget(), "systemctl status", set, true)
	assert.True(t, v.Allowed)

	v = e.Decide(context.Background(), caller("carol"), rootTarget(), "systemctl status", set, true)
	assert.False(t, v.Allowed, "carol is not in ops")
}

func TestDecideHostMatching(t *testing.T) {
	e := testEngine(t)
	mkSet := func(host string) model.PolicySet {
		return model.PolicySet{LocalRules: []model.Rule{{
			Users: []string{"carol"}, Hosts: []string{host}, Commands: []string{"ALL"}, NoPasswd: true,
		}}}
	}

	cases := []struct {
		host string
		want bool
	}{
		{"ALL", true},
		{"db01", true},
		{"db01.example.com", true},
		{"web*", false},
		{"10.1.2.3", true},
		{"10.9.9.9", false},
		{"10.1.0.0/16", true},
		{"10.2.0.0/16", false},
		{"0.0.0.0/0", true},
		{"10.1.2.3/32", true},
		{"10.1.2.4/32", false},
		{"!db01", false},
	}
	for _, tc := range cases {
		v := e.Decide(context.Background(), caller("carol"), rootTarget(), "id", mkSet(tc.host), false)
		if v.Allowed != tc.want {
			t.Fatalf("host pattern %q: allowed=%v, want %v", tc.host, v.Allowed, tc.want)
		}
	}
}

func TestDecideNegatedCommandDenies(t *testing.T) {
	e := testEngine(t)
	set := model.PolicySet{LocalRules: []model.Rule{{
		Users:    []string{"carol"},
		Hosts:    []string{"ALL"},
		Commands: []string{"!/usr/bin/passwd", "ALL"},
	}}}

	v := e.Decide(context.Background(), caller("carol"), rootTarget(), "/usr/bin/passwd root", set, false)
	require.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "negated")

	v = e.Decide(context.Background(), caller("carol"), rootTarget(), "/usr/bin/id", set, false)
	assert.True(t, v.Allowed)
}

func TestDecideRunasCoverage(t *testing.T) {
	e := testEngine(t)
	set := model.PolicySet{LocalRules: []model.Rule{{
		Users: []string{"carol"}, Hosts: []string{"ALL"}, RunAsUser: "postgres", Commands: []string{"ALL"},
	}}}

	v := e.Decide(context.Background(), caller("carol"), model.TargetIdentity{User: "postgres"}, "psql", set, false)
	assert.True(t, v.Allowed)

	v = e.Decide(context.Background(), caller("carol"), rootTarget(), "psql", set, false)
	assert.False(t, v.Allowed, "rule for postgres must not cover root")
}

func TestDecideTimeWindowIsClosedInterval(t *testing.T) {
	e := testEngine(t)
	now := e.Now()

	mkSet := func(nb, na *time.Time) model.PolicySet {
		return model.PolicySet{LocalRules: []model.Rule{{
			Users: []string{"carol"}, Hosts: []string{"ALL"}, Commands: []string{"ALL"},
			NotBefore: nb, NotAfter: na,
		}}}
	}

	v := e.Decide(context.Background(), caller("carol"), rootTarget(), "id", mkSet(&now, &now), false)
	assert.True(t, v.Allowed, "bounds equal to the current second still apply")

	past := now.Add(-time.Hour)
	v = e.Decide(context.Background(), caller("carol"), rootTarget(), "id", mkSet(nil, &past), false)
	assert.False(t, v.Allowed, "expired rule must be filtered")

	future := now.Add(time.Hour)
	v = e.Decide(context.Background(), caller("carol"), rootTarget(), "id", mkSet(&future, nil), false)
	assert.False(t, v.Allowed, "not-yet-valid rule must be filtered")
}

func TestDecideOrderingIsStableAcrossSources(t *testing.T) {
	e := testEngine(t)
	one, two := 1, 2
	local := model.Rule{Users: []string{"carol"}, Hosts: []string{"ALL"}, Commands: []string{"ALL"}, Order: &two, SourceLabel: "local"}
	directory := model.Rule{Users: []string{"carol"}, Hosts: []string{"ALL"}, Commands: []string{"ALL"}, Order: &one, SourceLabel: "directory"}

	a := e.Decide(context.Background(), caller("carol"), rootTarget(), "id",
		model.PolicySet{LocalRules: []model.Rule{local}, DirectoryRules: []model.Rule{directory}}, false)
	b := e.Decide(context.Background(), caller("carol"), rootTarget(), "id",
		model.PolicySet{LocalRules: []model.Rule{directory}, DirectoryRules: []model.Rule{local}}, false)

	assert.Equal(t, a.Allowed, b.Allowed)
	assert.Equal(t, a.SourceLabel, b.SourceLabel, "decision must not depend on discovery order")
}

func TestRequirePassword(t *testing.T) {
	e := testEngine(t)

	mkSet := func(nopasswd bool, verifypw string) model.PolicySet {
		return model.PolicySet{LocalRules: []model.Rule{{
			Users: []string{"carol"}, Hosts: []string{"ALL"}, Commands: []string{"ALL"},
			NoPasswd: nopasswd, Options: model.Options{VerifyPW: verifypw},
		}}}
	}

	cases := []struct {
		name       string
		set        model.PolicySet
		cacheValid bool
		envIntent  bool
		command    string
		want       bool
	}{
		{"no nopasswd, no cache", mkSet(false, ""), false, false, "id", true},
		{"no nopasswd, valid cache", mkSet(false, ""), true, false, "id", false},
		{"nopasswd, no cache", mkSet(true, ""), false, false, "id", false},
		{"env intent forces password for sensitive dirs", mkSet(true, ""), true, true, "ls /etc", true},
		{"env intent leaves low-risk alone", mkSet(true, ""), true, true, "uptime", false},
		{"verifypw always without cache", mkSet(true, "always"), false, false, "id", true},
		{"verifypw always with cache", mkSet(true, "always"), true, false, "id", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := caller("carol")
			c.EnvironmentIntent = tc.envIntent
			v := e.Decide(context.Background(), c, rootTarget(), tc.command, tc.set, tc.cacheValid)
			require.True(t, v.Allowed)
			assert.Equal(t, tc.want, v.RequirePassword)
		})
	}
}

func TestCommandPatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		command string
		want    bool
	}{
		{"ALL", "anything at all", true},
		{"/usr/bin/systemctl restart nginx", "/usr/bin/systemctl restart nginx", true},
		{"/usr/bin/systemctl", "/usr/bin/systemctl restart nginx", true},
		{"/usr/bin/systemctl", "/usr/sbin/systemctl", false},
		{"systemctl", "/usr/bin/systemctl restart nginx", true},
		{"system*", "/usr/bin/systemctl status", true},
		{"docker", "podman ps", false},
	}
	for _, tc := range cases {
		if got := matchesCommandPattern(tc.pattern, tc.command); got != tc.want {
			t.Fatalf("matchesCommandPattern(%q, %q) = %v, want %v", tc.pattern, tc.command, got, tc.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	if ts := ParseTimestamp("20250601120000Z"); ts == nil || ts.Year() != 2025 {
		t.Fatalf("generalized time not parsed: %v", ts)
	}
	if ts := ParseTimestamp("2025-06-01T12:00:00Z"); ts == nil {
		t.Fatal("RFC3339 not parsed")
	}
	if ts := ParseTimestamp(""); ts != nil {
		t.Fatal("empty string must yield nil")
	}
	if ts := ParseTimestamp("not-a-time"); ts != nil {
		t.Fatal("garbage must yield nil")
	}
}
