package authn

import (
	"context"
	"errors"
	"io"
)

// RuleBasedConversation is the deterministic test-mode conversation
// (SUDOSH_TEST_MODE=1): one synchronous echo-off prompt whose
// answer is judged by a rule function instead of the platform
// authentication service.
type RuleBasedConversation struct {
	Username string
	// Accept judges the collected password. A nil Accept rejects
	// everything.
	Accept func(username, password string) bool

	prompted bool
	answer   string
	answered bool
}

func (c *RuleBasedConversation) Next(ctx context.Context) (Message, error) {
	if c.prompted {
		return Message{}, io.EOF
	}
	c.prompted = true
	return Message{Type: EchoOffPrompt, Text: "Password: "}, nil
}

func (c *RuleBasedConversation) Respond(ctx context.Context, answer string) error {
	c.answer = answer
	c.answered = true
	return nil
}

func (c *RuleBasedConversation) Validate(ctx context.Context, username string) error {
	if !c.answered {
		return errors.New("authn: no password collected")
	}
	if c.Accept == nil || !c.Accept(username, c.answer) {
		return errors.New("authn: password rejected")
	}
	return nil
}
