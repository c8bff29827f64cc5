package validator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sudosh/sudosh/internal/model"
)

// validatePipeline enforces the pipeline sub-grammar: one or more
// '|'-separated stages, no unquoted shell metacharacters other than
// pipe and optional redirection on a stage, every stage whitelisted,
// find's -exec/-execdir/-delete banned.
func (v *Validator) validatePipeline(command string) model.Decision {
	if strings.HasPrefix(command, "|") || strings.HasSuffix(command, "|") || strings.Contains(command, "||") {
		return model.DenyDecision("pipeline may not begin, end, or double up on '|'")
	}

	inSingle, inDouble := false, false
	for _, r := range command {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && strings.ContainsRune(";&`$()", r):
			return model.DenyDecision("shell metacharacters other than '|' and redirection are not permitted in a pipeline")
		}
	}

	stages := strings.Split(command, "|")
	for _, stage := range stages {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			return model.DenyDecision("empty pipeline stage")
		}

		body, redirTarget, hasRedir := splitRedirection(stage)
		base := filepath.Base(firstToken(body))
		if !IsPipelineWhitelisted(base) {
			return model.DenyDecision("pipeline stage command is not in the whitelist")
		}
		if base == "find" && containsDangerousFindFlag(body) {
			return model.DenyDecision("find -exec/-execdir/-delete is not permitted in a pipeline")
		}
		if hasRedir {
			if d, ok := validateRedirectionTarget(redirTarget); !ok {
				return d
			}
		}
	}
	return model.Decision{Kind: model.Allow}
}

var dangerousFindFlags = []string{"-exec", "-execdir", "-delete"}

func containsDangerousFindFlag(stage string) bool {
	for _, flag := range dangerousFindFlags {
		if strings.Contains(stage, flag) {
			return true
		}
	}
	return false
}

// splitRedirection finds a trailing "> target" or ">> target" on a
// pipeline stage and returns the command body, the target, and
// whether redirection was present.
func splitRedirection(stage string) (body, target string, has bool) {
	idx := strings.IndexAny(stage, "><")
	if idx < 0 {
		return stage, "", false
	}
	body = strings.TrimSpace(stage[:idx])
	rest := stage[idx:]
	rest = strings.TrimLeft(rest, "><")
	return body, strings.TrimSpace(rest), true
}

// validateRedirectionTarget enforces the redirection sub-grammar:
// allowed targets resolve (after tilde expansion) to /tmp/, /var/tmp/,
// a home directory root, or a relative path in the cwd; system
// directories are always denied.
func validateRedirectionTarget(target string) (model.Decision, bool) {
	if target == "" {
		return model.DenyDecision("redirection target is empty"), false
	}

	expanded := expandTilde(target)
	if touchesSystemDirectory(expanded) {
		return model.DenyDecision("redirection into a system directory is not permitted"), false
	}

	switch {
	case strings.HasPrefix(expanded, "/tmp/"):
		return model.Decision{}, true
	case strings.HasPrefix(expanded, "/var/tmp/"):
		return model.Decision{}, true
	case strings.HasPrefix(expanded, homeDir()+"/"):
		return model.Decision{}, true
	case !filepath.IsAbs(expanded):
		return model.Decision{}, true
	}
	return model.DenyDecision("redirection target is outside the permitted locations"), false
}

func expandTilde(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	return "/root"
}
