package dirclient

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResponder answers one framed query on a unix socket with the
// given rule TLVs.
func fakeResponder(t *testing.T, reply []tlv) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sudo.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hdrBuf, err := readFull(conn, headerSize)
		if err != nil {
			return
		}
		hdr, err := decodeHeader(hdrBuf)
		if err != nil {
			return
		}
		if hdr.TotalLength > headerSize {
			if _, err := readFull(conn, int(hdr.TotalLength)-headerSize); err != nil {
				return
			}
		}

		body := encodeTLVs(reply)
		out := header{TotalLength: uint32(headerSize + len(body)), CommandID: hdr.CommandID}
		conn.Write(append(encodeHeader(out), body...))
	}()
	return path
}

func TestSocketTransportQuery(t *testing.T) {
	sock := fakeResponder(t, []tlv{
		{Type: AttrRunAsUser, Value: []byte("root")},
		{Type: AttrOption, Value: []byte("timestamp_timeout=5")},
		{Type: AttrCommand, Value: []byte("/usr/bin/systemctl restart nginx")},
	})

	c := NewClient(sock, nil, nil)
	rules, err := c.Query(context.Background(), Query{UID: 1001, Username: "carol", HostnameShort: "db01"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "root", rules[0].RunAsUser)
	assert.Equal(t, []string{"/usr/bin/systemctl restart nginx"}, rules[0].Commands)
	assert.Equal(t, 5, rules[0].Options.TimestampTimeoutMinutes)
	assert.Equal(t, "directory-socket", rules[0].SourceLabel)
}

func TestSocketTransportEmptyReply(t *testing.T) {
	sock := fakeResponder(t, nil)
	// An empty reply body still carries the zero attribute count.
	c := NewClient(sock, nil, nil)
	rules, err := c.Query(context.Background(), Query{UID: 1, Username: "bob", HostnameShort: "h"})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSocketTransportResponderError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sudo.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hdrBuf, err := readFull(conn, headerSize)
		if err != nil {
			return
		}
		hdr, _ := decodeHeader(hdrBuf)
		if hdr.TotalLength > headerSize {
			readFull(conn, int(hdr.TotalLength)-headerSize)
		}
		conn.Write(encodeHeader(header{TotalLength: headerSize, CommandID: hdr.CommandID, Reserved1: 5}))
	}()

	c := NewClient(path, nil, nil)
	_, err = c.Query(context.Background(), Query{UID: 1, Username: "bob", HostnameShort: "h"})
	assert.ErrorIs(t, err, ErrTransportFailed, "a nonzero responder status is a transport error")
}

func TestSocketTransportAbsentSocket(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "nope.sock"), nil, nil)
	_, err := c.Query(context.Background(), Query{UID: 1, Username: "bob", HostnameShort: "h"})
	assert.ErrorIs(t, err, ErrTransportFailed)
}

type staticLibrary struct {
	records []libraryRuleRecord
}

func (s staticLibrary) Send(ctx context.Context, uid uint32, username, hostname string) ([]libraryRuleRecord, error) {
	return s.records, nil
}

func TestLibraryTransportPreferred(t *testing.T) {
	lib := staticLibrary{records: []libraryRuleRecord{{
		SudoUser:    []string{"carol"},
		SudoHost:    []string{"ALL"},
		SudoCommand: []string{"/usr/bin/id", "/usr/bin/uptime"},
		SudoOrder:   []string{"3"},
	}}}

	c := NewClient("", lib, nil)
	rules, err := c.Query(context.Background(), Query{UID: 1001, Username: "carol", HostnameShort: "db01"})
	require.NoError(t, err)
	require.Len(t, rules, 2, "one rule per sudoCommand value")
	assert.Equal(t, []string{"carol"}, rules[0].Users)
	require.NotNil(t, rules[0].Order)
	assert.Equal(t, 3, *rules[0].Order)
	assert.Equal(t, "directory", rules[0].SourceLabel)
}

func TestForceSocketSkipsLibrary(t *testing.T) {
	sock := fakeResponder(t, []tlv{{Type: AttrCommand, Value: []byte("/usr/bin/id")}})

	lib := staticLibrary{records: []libraryRuleRecord{{SudoCommand: []string{"/usr/bin/false"}}}}
	c := NewClient(sock, lib, nil)
	c.ForceSocket = true

	rules, err := c.Query(context.Background(), Query{UID: 1, Username: "carol", HostnameShort: "db01"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"/usr/bin/id"}, rules[0].Commands)
}

func TestRecordsFromTLVsMirrorsRuleStream(t *testing.T) {
	attrs := []tlv{
		{Type: AttrRunAsUser, Value: []byte("postgres")},
		{Type: AttrCommand, Value: []byte("/usr/bin/psql")},
	}
	records := recordsFromTLVs(attrs)
	require.Len(t, records, 1)

	rules := rulesFromRecords(records)
	require.Len(t, rules, 1)
	assert.Equal(t, "postgres", rules[0].RunAsUser)
	assert.Equal(t, []string{"/usr/bin/psql"}, rules[0].Commands)
}
