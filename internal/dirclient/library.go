package dirclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// RemoteLibrary is the library transport for deployments
// where the platform client library routes to a directory responder by
// name rather than through the local socket. It speaks the same framed
// TLV protocol over TCP, resolving the responder host through a
// session-lifetime DNS cache so repeated policy refreshes do not
// re-resolve on every command.
type RemoteLibrary struct {
	Host    string
	Port    int
	Timeout time.Duration

	resolver *dnscache.Resolver
}

// NewRemoteLibrary builds a RemoteLibrary with a fresh resolver cache.
func NewRemoteLibrary(host string, port int) *RemoteLibrary {
	return &RemoteLibrary{
		Host:     host,
		Port:     port,
		Timeout:  PollTimeout,
		resolver: &dnscache.Resolver{},
	}
}

// Send implements LibraryBackend: it asks the remote responder for the
// rules applying to (uid, username, hostname) and reshapes the TLV
// reply into library-style rule records.
func (l *RemoteLibrary) Send(ctx context.Context, uid uint32, username, hostname string) ([]libraryRuleRecord, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dirclient: remote library dial: %w", err)
	}
	defer conn.Close()

	req := buildQueryRequest(Query{UID: uid, Username: username, HostnameShort: hostname})
	deadline := time.Now().Add(l.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	hdrBuf, err := readFull(conn, headerSize)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.TotalLength <= headerSize {
		return nil, nil
	}
	body, err := readFull(conn, int(hdr.TotalLength)-headerSize)
	if err != nil {
		return nil, err
	}
	attrs, err := decodeTLVs(body)
	if err != nil {
		return nil, err
	}
	return recordsFromTLVs(attrs), nil
}

// dial resolves l.Host through the DNS cache and tries each address
// until one connects.
func (l *RemoteLibrary) dial(ctx context.Context) (net.Conn, error) {
	ips, err := l.resolver.LookupHost(ctx, l.Host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip, strconv.Itoa(l.Port))
		conn, err := net.DialTimeout("tcp", addr, l.timeout())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("addr", addr).Msg("dirclient: remote library address unreachable")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dirclient: no addresses for %s", l.Host)
	}
	return nil, lastErr
}

func (l *RemoteLibrary) timeout() time.Duration {
	if l.Timeout > 0 {
		return l.Timeout
	}
	return PollTimeout
}

// recordsFromTLVs reshapes a rule TLV stream into library-style
// records: one record per COMMAND, carrying the accumulated
// runas/option state, mirroring decodeRuleStream's walk.
func recordsFromTLVs(attrs []tlv) []libraryRuleRecord {
	var records []libraryRuleRecord
	var runAsUser, runAsGroup []string
	var options []string

	for _, a := range attrs {
		switch a.Type {
		case AttrRunAsUser:
			runAsUser = []string{string(a.Value)}
		case AttrRunAsGroup:
			runAsGroup = []string{string(a.Value)}
		case AttrOption:
			options = append(options, string(a.Value))
		case AttrCommand:
			records = append(records, libraryRuleRecord{
				SudoCommand:    []string{string(a.Value)},
				SudoRunAsUser:  runAsUser,
				SudoRunAsGroup: runAsGroup,
				SudoOption:     options,
			})
		}
	}
	return records
}
