// Package validator implements the Command Validator: a
// strict total function over the raw command string that returns one
// of {allow, deny(reason), confirm(reason)} (model.Decision), plus the
// two curated-set queries: IsSafeCommand, used by the Session
// Controller's safe-command short circuit, and IsPipelineWhitelisted,
// used by the pipeline check.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/sudosh/sudosh/internal/model"
)

// MaxCommandLength is the default length ceiling.
const MaxCommandLength = 4096

// Validator is a strict total function on the raw command string.
type Validator struct {
	MaxLength int
}

func New() *Validator {
	return &Validator{MaxLength: MaxCommandLength}
}

// Validate runs the ordered checks; the first negative decision wins.
// Kind is always one of model.Allow/Deny/Confirm.
func (v *Validator) Validate(raw string) model.Decision {
	maxLen := v.MaxLength
	if maxLen == 0 {
		maxLen = MaxCommandLength
	}

	// Step 1: shape.
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return model.Decision{Kind: model.Allow, Reason: "noop"}
	}
	if len(raw) > maxLen {
		return model.DenyDecision("command exceeds maximum length")
	}
	if strings.IndexByte(raw[:min(len(raw), maxLen)], 0) >= 0 {
		return model.DenyDecision("command contains an embedded NUL byte")
	}

	// Step 2: path safety.
	if strings.Contains(raw, "../") || strings.Contains(raw, `..\`) {
		return model.DenyDecision("path traversal sequence is not permitted")
	}

	first := firstToken(trimmed)
	firstBase := filepath.Base(first)

	// Step 3: shell / interpreter ban.
	if isBannedInterpreter(first, firstBase) {
		return model.DenyDecision("shell-command-blocked")
	}
	if strings.Contains(raw, " -c ") || strings.Contains(raw, " --command") {
		return model.DenyDecision("shell-command-blocked")
	}

	// Step 4: outbound access ban.
	if firstBase == "ssh" || first == "/usr/bin/ssh" {
		return model.DenyDecision("outbound-access-blocked")
	}

	// Step 5: interactive editor ban.
	if isBannedEditor(firstBase) {
		return model.DenyDecision("use sudoedit for audited file editing")
	}

	// Pipeline sub-grammar takes priority when a pipe is present: it
	// has its own allow/deny logic and is checked before the
	// single-command dangerous-class/flag/system-dir checks below.
	if strings.Contains(trimmed, "|") {
		return v.validatePipeline(trimmed)
	}

	// Step 6: dangerous command class.
	if reason, ok := dangerousCommandClass(firstBase); ok {
		return model.ConfirmDecision(reason)
	}

	// Step 7: dangerous flag patterns.
	if reason, ok := dangerousFlagPattern(trimmed); ok {
		return model.ConfirmDecision(reason)
	}

	// Step 8: system-directory access.
	if d, ok := v.validateSystemDirectoryAccess(trimmed); ok {
		return d
	}

	return model.Decision{Kind: model.Allow}
}

// ComputeCommandHash returns a replay-safe key for a confirmation
// ledger, same primitive as approval.ComputeCommandHash.
func ComputeCommandHash(command, target string) string {
	h := sha256.New()
	h.Write([]byte(command))
	h.Write([]byte("|"))
	h.Write([]byte(target))
	return hex.EncodeToString(h.Sum(nil))
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
