package authn

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudosh/sudosh/internal/credcache"
	"github.com/sudosh/sudosh/internal/model"
)

type scriptedTerminal struct {
	answer string
}

func (s scriptedTerminal) ReadLine(echo bool) (string, error) {
	return s.answer, nil
}

func testCache(t *testing.T) *credcache.Cache {
	t.Helper()
	c := credcache.New(t.TempDir()+"/cc", 15*time.Minute, []byte("k"))
	c.OwnerUID = uint32(os.Getuid())
	return c
}

func carolContext() model.CallerContext {
	return model.CallerContext{RealUser: "carol", RealUID: 1001, Terminal: "tty7", HostnameShort: "db01"}
}

func TestAuthenticateSuccessUpdatesCache(t *testing.T) {
	cache := testCache(t)
	a := New(scriptedTerminal{answer: "carol"}, cache, true)

	var events []string
	a.OnAuditEvent = func(event, username string, err error) {
		events = append(events, event)
	}

	conv := &RuleBasedConversation{
		Username: "carol",
		Accept:   func(user, password string) bool { return password == user },
	}
	err := a.Authenticate(context.Background(), conv, carolContext(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth_success"}, events)

	entry, ok := cache.Check("carol", "tty7")
	require.True(t, ok, "a successful conversation refreshes the cache")
	assert.Equal(t, "sess-1", entry.SessionID)
}

func TestAuthenticateFailureClearsCache(t *testing.T) {
	cache := testCache(t)
	require.NoError(t, cache.Update(model.CredentialCacheEntry{
		Username: "carol", Timestamp: time.Now(), SessionID: "old", UID: 1001,
		Terminal: "tty7", Hostname: "db01",
	}))

	a := New(scriptedTerminal{answer: "wrong"}, cache, true)
	var events []string
	a.OnAuditEvent = func(event, username string, err error) {
		events = append(events, event)
	}

	conv := &RuleBasedConversation{
		Username: "carol",
		Accept:   func(user, password string) bool { return password == user },
	}
	err := a.Authenticate(context.Background(), conv, carolContext(), "sess-2")
	require.Error(t, err)
	assert.Equal(t, []string{"auth_failure"}, events)

	_, ok := cache.Check("carol", "tty7")
	assert.False(t, ok, "a failed conversation clears the cache entry")
}

func TestAuthenticateNonInteractiveFailsImmediately(t *testing.T) {
	a := New(scriptedTerminal{answer: "carol"}, nil, false)
	conv := &RuleBasedConversation{Username: "carol", Accept: func(u, p string) bool { return true }}

	err := a.Authenticate(context.Background(), conv, carolContext(), "sess-3")
	assert.ErrorIs(t, err, ErrNonInteractive)
}

func TestRuleBasedConversationRejectsWithoutAnswer(t *testing.T) {
	conv := &RuleBasedConversation{Username: "carol", Accept: func(u, p string) bool { return true }}
	err := conv.Validate(context.Background(), "carol")
	assert.Error(t, err)
}
