package sudoers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudosh/sudosh/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestParseMainFile(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "sudoers")
	writeFile(t, main, `
# local policy
Defaults env_reset
carol db01 = NOPASSWD: /usr/bin/systemctl restart nginx
%ops ALL = (ALL) ALL
dave web01,web02 = (postgres:postgres) /usr/bin/psql, /usr/bin/pg_dump
`)

	p := NewParser(main, "")
	rules, err := p.Parse()
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, []string{"carol"}, rules[0].Users)
	assert.Equal(t, []string{"db01"}, rules[0].Hosts)
	assert.True(t, rules[0].NoPasswd)
	assert.Equal(t, []string{"/usr/bin/systemctl restart nginx"}, rules[0].Commands)
	assert.Equal(t, "sudoers", rules[0].SourceLabel)

	assert.Equal(t, []string{"%ops"}, rules[1].Users)
	assert.Equal(t, "ALL", rules[1].RunAsUser)
	assert.False(t, rules[1].NoPasswd)

	assert.Equal(t, []string{"web01", "web02"}, rules[2].Hosts)
	assert.Equal(t, "postgres", rules[2].RunAsUser)
	assert.Equal(t, "postgres", rules[2].RunAsGroup)
	assert.Equal(t, []string{"/usr/bin/psql", "/usr/bin/pg_dump"}, rules[2].Commands)
}

func TestParseDropsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "sudoers")
	writeFile(t, main, `
this line has no equals sign
carol ALL = /usr/bin/id
only-one-field = /usr/bin/id
`)

	var dropped []string
	p := NewParser(main, "")
	p.OnMalformedLine = func(source, line, reason string) {
		dropped = append(dropped, line)
	}

	rules, err := p.Parse()
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Len(t, dropped, 2, "both malformed lines must be reported")
}

func TestParseIncludeDirectory(t *testing.T) {
	dir := t.TempDir()
	incl := filepath.Join(dir, "sudoers.d")
	require.NoError(t, os.Mkdir(incl, 0700))

	main := filepath.Join(dir, "sudoers")
	writeFile(t, main, "carol ALL = /usr/bin/id\n")

	writeFile(t, filepath.Join(incl, "app"), "dave ALL = /usr/bin/uptime\n")
	writeFile(t, filepath.Join(incl, "backup~"), "x ALL = ALL\n")
	writeFile(t, filepath.Join(incl, "app.rpmnew"), "y ALL = ALL\n")
	writeFile(t, filepath.Join(incl, "#disabled"), "z ALL = ALL\n")

	p := NewParser(main, incl)
	rules, err := p.Parse()
	require.NoError(t, err)
	require.Len(t, rules, 2, "only well-named include files are read")
	assert.Equal(t, "app", rules[1].SourceLabel)
}

func TestParseIncludedirOverride(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "extra")
	require.NoError(t, os.Mkdir(override, 0700))
	writeFile(t, filepath.Join(override, "extra"), "erin ALL = /usr/bin/df\n")

	main := filepath.Join(dir, "sudoers")
	writeFile(t, main, "#includedir "+override+"\ncarol ALL = /usr/bin/id\n")

	p := NewParser(main, filepath.Join(dir, "ignored.d"))
	rules, err := p.Parse()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, []string{"erin"}, rules[1].Users)
}

func TestParseAbsentMainFileIsNotFatal(t *testing.T) {
	p := NewParser(filepath.Join(t.TempDir(), "missing"), "")
	rules, err := p.Parse()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestEligibleIncludeName(t *testing.T) {
	cases := map[string]bool{
		"app":        true,
		"10-base":    true,
		"app.conf":   false,
		"backup~":    false,
		"#commented": false,
	}
	for name, want := range cases {
		if got := eligibleIncludeName(name); got != want {
			t.Fatalf("eligibleIncludeName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSortRulesUnsetOrdersLast(t *testing.T) {
	one, three := 1, 3
	rules := []model.Rule{
		{SourceLabel: "unset-a"},
		{SourceLabel: "three", Order: &three},
		{SourceLabel: "one", Order: &one},
		{SourceLabel: "unset-b"},
	}
	SortRules(rules)

	got := make([]string, len(rules))
	for i, r := range rules {
		got[i] = r.SourceLabel
	}
	assert.Equal(t, []string{"one", "three", "unset-a", "unset-b"}, got)
}

func TestFormatRuleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "sudoers")
	writeFile(t, main, `carol db01 = NOPASSWD: /usr/bin/systemctl restart nginx
%ops ALL = (ALL) ALL
dave web01,web02 = (postgres:postgres) /usr/bin/psql, /usr/bin/pg_dump
`)

	p := NewParser(main, "")
	rules, err := p.Parse()
	require.NoError(t, err)

	// Writing the canonical form back and reparsing yields the same
	// rules, and the canonical form is a fixed point.
	canonical := FormatRules(rules)
	reparse := filepath.Join(dir, "canonical")
	writeFile(t, reparse, canonical)

	again, err := NewParser(reparse, "").Parse()
	require.NoError(t, err)
	require.Len(t, again, len(rules))
	for i := range rules {
		assert.Equal(t, rules[i].Users, again[i].Users)
		assert.Equal(t, rules[i].Hosts, again[i].Hosts)
		assert.Equal(t, rules[i].RunAsUser, again[i].RunAsUser)
		assert.Equal(t, rules[i].RunAsGroup, again[i].RunAsGroup)
		assert.Equal(t, rules[i].NoPasswd, again[i].NoPasswd)
		assert.Equal(t, rules[i].Commands, again[i].Commands)
	}
	assert.Equal(t, canonical, FormatRules(again))
}

func TestParseOrder(t *testing.T) {
	if o := ParseOrder("42"); o == nil || *o != 42 {
		t.Fatalf("ParseOrder(42) = %v", o)
	}
	if o := ParseOrder(" 7 "); o == nil || *o != 7 {
		t.Fatalf("ParseOrder with whitespace = %v", o)
	}
	if o := ParseOrder("x"); o != nil {
		t.Fatal("garbage order must be nil")
	}
}
