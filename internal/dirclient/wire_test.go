package dirclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudosh/sudosh/internal/model"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{TotalLength: 48, CommandID: CommandQueryRules, Reserved1: 0, Reserved2: 0}
	buf := encodeHeader(h)
	require.Len(t, buf, headerSize)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := decodeHeader(make([]byte, headerSize-1))
	assert.Error(t, err)
}

func TestTLVRoundTrip(t *testing.T) {
	in := []tlv{
		{Type: AttrUser, Value: []byte("carol")},
		{Type: AttrUID, Value: []byte("1001")},
		{Type: AttrHostname, Value: []byte("db01")},
		{Type: AttrCommand, Value: []byte("/usr/bin/id")},
	}
	body := encodeTLVs(in)

	out, err := decodeTLVs(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeTLVsTruncated(t *testing.T) {
	body := encodeTLVs([]tlv{{Type: AttrUser, Value: []byte("carol")}})

	_, err := decodeTLVs(body[:len(body)-2])
	assert.Error(t, err)

	_, err = decodeTLVs([]byte{0, 0})
	assert.Error(t, err)
}

func TestQueryRequestRoundTrip(t *testing.T) {
	q := Query{
		UID:               1001,
		Username:          "carol",
		HostnameShort:     "db01",
		HostnameCanonical: "db01.example.com",
		Groups:            []string{"carol", "ops"},
	}
	req := buildQueryRequest(q)

	hdr, err := decodeHeader(req[:headerSize])
	require.NoError(t, err)
	assert.Equal(t, CommandQueryRules, hdr.CommandID)
	assert.Equal(t, len(req), int(hdr.TotalLength))

	attrs, err := decodeTLVs(req[headerSize:])
	require.NoError(t, err)

	byType := map[uint32][]string{}
	for _, a := range attrs {
		byType[a.Type] = append(byType[a.Type], string(a.Value))
	}
	assert.Equal(t, []string{"carol"}, byType[AttrUser])
	assert.Equal(t, []string{"1001"}, byType[AttrUID])
	assert.Equal(t, []string{"carol,ops"}, byType[AttrGroups])
	assert.Equal(t, []string{"db01", "db01.example.com"}, byType[AttrHostname])
}

func TestQueryRequestSkipsDuplicateHostname(t *testing.T) {
	req := buildQueryRequest(Query{UID: 1, Username: "u", HostnameShort: "h", HostnameCanonical: "h"})
	attrs, err := decodeTLVs(req[headerSize:])
	require.NoError(t, err)

	count := 0
	for _, a := range attrs {
		if a.Type == AttrHostname {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDecodeRuleStream(t *testing.T) {
	attrs := []tlv{
		{Type: AttrRunAsUser, Value: []byte("root")},
		{Type: AttrOption, Value: []byte("!authenticate,timestamp_timeout=10")},
		{Type: AttrCommand, Value: []byte("/usr/bin/systemctl restart nginx")},
		{Type: 99, Value: []byte("ignored")},
		{Type: AttrRunAsGroup, Value: []byte("wheel")},
		{Type: AttrCommand, Value: []byte("/usr/bin/journalctl")},
	}

	rules := decodeRuleStream(attrs)
	require.Len(t, rules, 2)

	assert.Equal(t, "root", rules[0].RunAsUser)
	assert.Equal(t, []string{"/usr/bin/systemctl restart nginx"}, rules[0].Commands)
	assert.Equal(t, 10, rules[0].Options.TimestampTimeoutMinutes)

	assert.Equal(t, "wheel", rules[1].RunAsGroup)
	assert.Equal(t, []string{"/usr/bin/journalctl"}, rules[1].Commands)
}

func TestApplyOptionTokens(t *testing.T) {
	var opts model.Options
	applyOptionTokens(&opts, "env_reset,requiretty\nnoexec,umask=0022")
	assert.True(t, opts.ResetEnvironment)
	assert.True(t, opts.RequireTTY)
	assert.True(t, opts.NoExec)
	assert.Equal(t, 22, opts.Umask)

	applyOptionTokens(&opts, "!requiretty,secure_path=/usr/bin,verifypw=always")
	assert.False(t, opts.RequireTTY)
	assert.Equal(t, "/usr/bin", opts.SecurePath)
	assert.Equal(t, "always", opts.VerifyPW)
}
