package authn

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// DefaultHelperPath is the platform authentication helper consulted by
// the non-test conversation. unix_chkpwd is PAM's setuid helper for
// verifying the invoking user's own password; driving it keeps the
// authentication service itself an external collaborator
// while the core only runs the conversation.
const DefaultHelperPath = "/usr/sbin/unix_chkpwd"

// PlatformConversation drives one password check through the platform
// helper: a single echo-off prompt, then an account validity check via
// the helper's exit status.
type PlatformConversation struct {
	HelperPath string
	username   string

	prompted bool
	answer   string
	answered bool
}

// NewPlatformConversation builds the default platform conversation for
// username.
func NewPlatformConversation(username string) *PlatformConversation {
	return &PlatformConversation{HelperPath: DefaultHelperPath, username: username}
}

func (c *PlatformConversation) Next(ctx context.Context) (Message, error) {
	if c.prompted {
		return Message{}, io.EOF
	}
	c.prompted = true
	return Message{Type: EchoOffPrompt, Text: "[sudosh] password for " + c.username + ": "}, nil
}

func (c *PlatformConversation) Respond(ctx context.Context, answer string) error {
	c.answer = answer
	c.answered = true
	return nil
}

func (c *PlatformConversation) Validate(ctx context.Context, username string) error {
	if !c.answered {
		return errors.New("authn: no password collected")
	}
	helper := c.HelperPath
	if helper == "" {
		helper = DefaultHelperPath
	}

	cmd := exec.CommandContext(ctx, helper, username, "nonull")
	cmd.Stdin = strings.NewReader(c.answer + "\n")
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errors.New("authn: password rejected by platform helper")
		}
		return err
	}
	return nil
}
