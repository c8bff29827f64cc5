package dirclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/model"
)

// ErrTransportFailed is returned when neither transport could answer the
// query; the Session Controller treats this as "no directory rules" and
// falls back to local policy.
var ErrTransportFailed = errors.New("dirclient: transport failed")

// PollTimeout is the minimum bounded timeout the socket transport
// honors before every read.
const PollTimeout = 2 * time.Second

// libraryRuleRecord is one result row from the library transport's
// send/receive entry point: a rule record exposing multi-valued
// sudoers-style attributes by name.
type libraryRuleRecord struct {
	SudoUser      []string
	SudoHost      []string
	SudoCommand   []string
	SudoRunAsUser []string
	SudoRunAsGroup []string
	SudoOption    []string
	SudoOrder     []string
	SudoNotBefore []string
	SudoNotAfter  []string
}

// LibraryBackend is the dynamically-resolved platform directory-sudo
// client library's send/receive entry point. The real
// implementation resolves this via the platform's shared-object loader
// (e.g. dlopen("libsss_sudo.so")); it is injected here so the Policy
// Engine never depends on a concrete loader.
type LibraryBackend interface {
	// Send asks the backend for rules applying to (uid, username,
	// hostname). A nil, non-error result means "no rules".
	Send(ctx context.Context, uid uint32, username, hostname string) ([]libraryRuleRecord, error)
}

// Escalator raises and lowers effective superuser identity around a
// privileged operation. Implemented by the Session Controller's
// privilege-scope helper; both transports require it.
type Escalator interface {
	WithSuperuser(fn func() error) error
}

// Client implements the Directory Rules Client: library
// transport tried first, socket transport second.
type Client struct {
	Library    LibraryBackend
	SocketPath string
	Escalate   Escalator
	Timeout    time.Duration

	// ForceSocket skips the library transport entirely
	// (SUDOSH_SSSD_FORCE_SOCKET).
	ForceSocket bool
	// Debug enables verbose transport tracing (SUDOSH_DEBUG_SSSD).
	Debug bool

	mu             sync.Mutex
	consecutiveTimeouts int32
	socketDisabled bool
}

// NewClient builds a Client with the default poll timeout.
func NewClient(socketPath string, lib LibraryBackend, esc Escalator) *Client {
	return &Client{Library: lib, SocketPath: socketPath, Escalate: esc, Timeout: PollTimeout}
}

// Query asks "what rules apply to this user on this host?", trying
// the library transport first and the socket transport second.
func (c *Client) Query(ctx context.Context, q Query) ([]model.Rule, error) {
	if c.Debug {
		log.Debug().Str("user", q.Username).Str("host", q.HostnameShort).
			Bool("force_socket", c.ForceSocket).Msg("dirclient: querying directory responder")
	}
	if !c.ForceSocket && c.Library != nil {
		rules, err := c.queryLibrary(ctx, q)
		if err == nil {
			return rules, nil
		}
		log.Warn().Err(err).Msg("dirclient: library transport failed, falling back to socket")
	}
	if c.socketDegraded() {
		return nil, fmt.Errorf("%w: socket transport disabled after repeated timeouts", ErrTransportFailed)
	}
	return c.querySocket(ctx, q)
}

func (c *Client) socketDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketDisabled
}

func (c *Client) queryLibrary(ctx context.Context, q Query) ([]model.Rule, error) {
	var records []libraryRuleRecord
	err := c.withEscalation(func() error {
		var innerErr error
		records, innerErr = c.Library.Send(ctx, q.UID, q.Username, q.HostnameShort)
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("dirclient: library transport: %w", err)
	}
	return rulesFromRecords(records), nil
}

// querySocket sends a fixed 16-byte header plus a body of TLVs and
// reads the mirrored reply, polling with a bounded timeout before
// every read.
func (c *Client) querySocket(ctx context.Context, q Query) ([]model.Rule, error) {
	if c.SocketPath == "" {
		return nil, ErrTransportFailed
	}

	var rules []model.Rule
	err := c.withEscalation(func() error {
		conn, dialErr := net.DialTimeout("unix", c.SocketPath, c.Timeout)
		if dialErr != nil {
			return dialErr
		}
		defer conn.Close()

		req := buildQueryRequest(q)
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		} else {
			_ = conn.SetDeadline(time.Now().Add(c.Timeout))
		}
		if _, err := conn.Write(req); err != nil {
			return err
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.Timeout))
		hdrBuf, err := readFull(conn, headerSize)
		if err != nil {
			c.recordTimeout(err)
			return err
		}
		hdr, err := decodeHeader(hdrBuf)
		if err != nil {
			return err
		}
		if hdr.Reserved1 != 0 {
			// Nonzero status in the reply header; no body is parsed.
			return fmt.Errorf("dirclient: responder status %d", hdr.Reserved1)
		}
		if hdr.TotalLength <= headerSize {
			return nil // empty body: no rules
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.Timeout))
		body, err := readFull(conn, int(hdr.TotalLength)-headerSize)
		if err != nil {
			c.recordTimeout(err)
			return err
		}

		attrs, err := decodeTLVs(body)
		if err != nil {
			return err
		}
		rules = decodeRuleStream(attrs)
		c.resetTimeouts()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	return rules, nil
}

// recordTimeout degrades the client to library-only for the rest of
// the session after repeated socket-poll timeouts, bounding reconnect
// storms against a dead responder.
func (c *Client) recordTimeout(err error) {
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		return
	}
	n := atomic.AddInt32(&c.consecutiveTimeouts, 1)
	if n >= 3 {
		c.mu.Lock()
		c.socketDisabled = true
		c.mu.Unlock()
		log.Warn().Msg("dirclient: socket transport degraded after repeated timeouts")
	}
}

func (c *Client) resetTimeouts() {
	atomic.StoreInt32(&c.consecutiveTimeouts, 0)
}

func (c *Client) withEscalation(fn func() error) error {
	if c.Escalate == nil {
		return fn()
	}
	return c.Escalate.WithSuperuser(fn)
}

// buildQueryRequest encodes the sudo-rules query: USER, UID,
// GROUPS (when any are given), HOSTNAME (short and, if different,
// canonical). No RUNASUSER attribute is sent.
func buildQueryRequest(q Query) []byte {
	var attrs []tlv
	attrs = append(attrs, tlv{Type: AttrUser, Value: []byte(q.Username)})
	attrs = append(attrs, tlv{Type: AttrUID, Value: []byte(fmt.Sprintf("%d", q.UID))})
	if len(q.Groups) > 0 {
		attrs = append(attrs, tlv{Type: AttrGroups, Value: []byte(joinComma(q.Groups))})
	}
	attrs = append(attrs, tlv{Type: AttrHostname, Value: []byte(q.HostnameShort)})
	if q.HostnameCanonical != "" && q.HostnameCanonical != q.HostnameShort {
		attrs = append(attrs, tlv{Type: AttrHostname, Value: []byte(q.HostnameCanonical)})
	}

	body := encodeTLVs(attrs)
	hdr := header{
		TotalLength: uint32(headerSize + len(body)),
		CommandID:   CommandQueryRules,
	}
	return append(encodeHeader(hdr), body...)
}

func joinComma(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
