// Package authn implements the Authenticator: drives a
// conversation with the platform's authentication service, reads a
// password from the terminal with echo disabled, and updates or
// clears the Credential Cache depending on the outcome. The platform
// service itself is an external collaborator; only the driving of the
// conversation lives here.
package authn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/term"

	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/credcache"
	"github.com/sudosh/sudosh/internal/model"
)

// MessageType is one conversation turn from the platform auth service.
type MessageType int

const (
	EchoOffPrompt MessageType = iota
	EchoOnPrompt
	Info
	Error
)

// Message is one turn of the authentication conversation.
type Message struct {
	Type MessageType
	Text string
}

// Conversation is the platform authentication service's driver; the
// service itself is an external collaborator.
type Conversation interface {
	// Next blocks for the next message, or returns io.EOF when the
	// conversation is over.
	Next(ctx context.Context) (Message, error)
	// Respond sends the user's answer to an echo-off/echo-on prompt.
	Respond(ctx context.Context, answer string) error
	// Validate performs the platform's account-validity check after a
	// successful conversation.
	Validate(ctx context.Context, username string) error
}

// ErrNonInteractive is returned when a password prompt is required
// but the session is not interactive.
var ErrNonInteractive = errors.New("authn: password required in a non-interactive session")

// TerminalReader reads a line with echo toggled off/on, matching
// golang.org/x/term.ReadPassword / term.Terminal usage.
type TerminalReader interface {
	ReadLine(echo bool) (string, error)
}

// FDTerminalReader reads from a file descriptor using x/term.
type FDTerminalReader struct {
	FD int
}

func (r FDTerminalReader) ReadLine(echo bool) (string, error) {
	if echo {
		return "", errors.New("authn: echo-on terminal read is not implemented by FDTerminalReader")
	}
	pw, err := term.ReadPassword(r.FD)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// Authenticator drives one Conversation to completion.
type Authenticator struct {
	Terminal    TerminalReader
	Cache       *credcache.Cache
	Interactive bool

	// OnAuditEvent, if set, is called for every success and failure.
	OnAuditEvent func(event string, username string, err error)
}

func New(terminal TerminalReader, cache *credcache.Cache, interactive bool) *Authenticator {
	return &Authenticator{Terminal: terminal, Cache: cache, Interactive: interactive}
}

// Authenticate drives conv to completion for the given caller/target,
// updating or clearing the cache per the outcome.
func (a *Authenticator) Authenticate(ctx context.Context, conv Conversation, caller model.CallerContext, sessionID string) error {
	for {
		msg, err := conv.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.fail(caller, err)
			return fmt.Errorf("authn: conversation: %w", err)
		}

		switch msg.Type {
		case EchoOffPrompt:
			answer, err := a.readPrompt(false)
			if err != nil {
				a.fail(caller, err)
				return err
			}
			if err := conv.Respond(ctx, answer); err != nil {
				a.fail(caller, err)
				return err
			}
		case EchoOnPrompt:
			answer, err := a.readPrompt(true)
			if err != nil {
				a.fail(caller, err)
				return err
			}
			if err := conv.Respond(ctx, answer); err != nil {
				a.fail(caller, err)
				return err
			}
		case Info:
			log.Info().Str("user", caller.RealUser).Str("text", msg.Text).Msg("authn: info message")
		case Error:
			a.fail(caller, errors.New(msg.Text))
			return fmt.Errorf("authn: %s", msg.Text)
		}
	}

	if err := conv.Validate(ctx, caller.RealUser); err != nil {
		a.fail(caller, err)
		return fmt.Errorf("authn: account validity check: %w", err)
	}

	if a.Cache != nil {
		entry := model.CredentialCacheEntry{
			Username:  caller.RealUser,
			Timestamp: time.Now(),
			SessionID: sessionID,
			UID:       caller.RealUID,
			Terminal:  caller.Terminal,
			Hostname:  caller.HostnameShort,
		}
		if err := a.Cache.Update(entry); err != nil {
			log.Warn().Err(err).Msg("authn: failed to update credential cache after successful auth")
		}
	}

	a.audit("auth_success", caller.RealUser, nil)
	return nil
}

func (a *Authenticator) readPrompt(echo bool) (string, error) {
	if !a.Interactive {
		return "", ErrNonInteractive
	}
	if a.Terminal == nil {
		return "", errors.New("authn: no terminal reader configured")
	}
	return a.Terminal.ReadLine(echo)
}

func (a *Authenticator) fail(caller model.CallerContext, err error) {
	if a.Cache != nil {
		a.Cache.Clear(caller.RealUser, caller.Terminal)
	}
	a.audit("auth_failure", caller.RealUser, err)
}

func (a *Authenticator) audit(event, username string, err error) {
	if a.OnAuditEvent != nil {
		a.OnAuditEvent(event, username, err)
	}
}
