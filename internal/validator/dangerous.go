package validator

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sudosh/sudosh/internal/model"
)

// shellsAndInterpreters is the curated shell/interpreter ban list.
var shellsAndInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "csh": true, "tcsh": true,
	"ksh": true, "fish": true, "dash": true,
	"python": true, "python2": true, "python3": true,
	"perl": true, "ruby": true, "node": true, "irb": true, "pry": true,
}

func isBannedInterpreter(full, base string) bool {
	if shellsAndInterpreters[base] {
		return true
	}
	if strings.HasPrefix(base, "python") {
		return true
	}
	return shellsAndInterpreters[full]
}

// editors is the curated interactive-editor ban list.
var editors = map[string]bool{
	"vi": true, "vim": true, "nvim": true, "emacs": true, "nano": true,
	"pico": true, "joe": true, "mcedit": true, "ed": true, "ex": true,
	"view": true,
}

func isBannedEditor(base string) bool {
	return editors[base]
}

// dangerousClassCommands is the dangerous command class: system
// lifecycle, partitioning, raw disk, firewall, mount, cron-at, and
// other privilege tools. These confirm rather than deny.
var dangerousClassCommands = map[string]string{
	"shutdown":   "system lifecycle command requires confirmation",
	"reboot":     "system lifecycle command requires confirmation",
	"poweroff":   "system lifecycle command requires confirmation",
	"halt":       "system lifecycle command requires confirmation",
	"init":       "system lifecycle command requires confirmation",
	"fdisk":      "disk partitioning command requires confirmation",
	"parted":     "disk partitioning command requires confirmation",
	"gdisk":      "disk partitioning command requires confirmation",
	"mkfs":       "filesystem creation command requires confirmation",
	"dd":         "raw disk command requires confirmation",
	"iptables":   "firewall command requires confirmation",
	"ip6tables":  "firewall command requires confirmation",
	"nft":        "firewall command requires confirmation",
	"firewalld":  "firewall command requires confirmation",
	"mount":      "mount command requires confirmation",
	"umount":     "mount command requires confirmation",
	"crontab":    "scheduled-task command requires confirmation",
	"at":         "scheduled-task command requires confirmation",
	"sudo":       "nested privilege tool requires confirmation",
	"su":         "nested privilege tool requires confirmation",
	"doas":       "nested privilege tool requires confirmation",
	"pkexec":     "nested privilege tool requires confirmation",
	"visudo":     "policy-file editor requires confirmation",
}

func dangerousCommandClass(base string) (string, bool) {
	reason, ok := dangerousClassCommands[base]
	return reason, ok
}

// dangerousFlagPatterns are flag combinations like recursive-force
// with rm/chmod/chown that demand confirmation.
var dangerousFlagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*|--recursive\s+--force|--force\s+--recursive)\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-R\s+)?777\b`),
	regexp.MustCompile(`(?i)\bchmod\s+-R\b`),
	regexp.MustCompile(`(?i)\bchown\s+-R\b`),
	regexp.MustCompile(`(?i)\bkill\s+-9\s`),
	regexp.MustCompile(`(?i)\bpkill\s+-9\b`),
}

func dangerousFlagPattern(command string) (string, bool) {
	for _, re := range dangerousFlagPatterns {
		if re.MatchString(command) {
			return "dangerous flag combination requires confirmation", true
		}
	}
	return "", false
}

// systemDirectories is the critical-path set for the
// system-directory access check.
var systemDirectories = []string{
	"/etc", "/bin", "/sbin", "/usr/bin", "/usr/sbin",
	"/lib", "/lib32", "/lib64",
	"/var/log", "/var/run", "/var/lib",
	"/boot", "/dev", "/proc", "/sys", "/root",
}

func touchesSystemDirectory(command string) bool {
	for _, dir := range systemDirectories {
		if strings.Contains(command, dir+"/") || strings.HasSuffix(command, dir) {
			return true
		}
	}
	return false
}

// mutatingVerbs are first-token commands that mutate state, used by
// the system-directory check to distinguish a read from a write.
var mutatingVerbs = map[string]bool{
	"rm": true, "mv": true, "cp": true, "chmod": true, "chown": true,
	"truncate": true, "tee": true, "ln": true, "mkdir": true, "rmdir": true,
	"install": true, "sed": true, "tar": true, "rsync": true,
}

// safeReadOnlySystemCommands are allowed against system directories
// without redirection.
var safeReadOnlySystemCommands = map[string]bool{
	"cat": true, "ls": true, "head": true, "tail": true, "grep": true,
	"find": true, "stat": true, "file": true, "wc": true, "less": true,
	"more": true,
}

// Risk grades a command for the Policy Engine's reauthentication
// rule: under the environment-intent flag, dangerous and moderate
// commands demand a password even when a rule says NOPASSWD.
type Risk int

const (
	RiskLow Risk = iota
	RiskModerate
	RiskDangerous
)

// Classify grades command: dangerous for the dangerous command class
// and dangerous flag combinations, moderate for anything touching a
// system directory, low otherwise.
func Classify(command string) Risk {
	base := filepath.Base(firstToken(strings.TrimSpace(command)))
	if _, ok := dangerousCommandClass(base); ok {
		return RiskDangerous
	}
	if _, ok := dangerousFlagPattern(command); ok {
		return RiskDangerous
	}
	if touchesSystemDirectory(command) {
		return RiskModerate
	}
	return RiskLow
}

// validateSystemDirectoryAccess gates reads and writes that touch a
// critical system path.
func (v *Validator) validateSystemDirectoryAccess(command string) (model.Decision, bool) {
	if !touchesSystemDirectory(command) {
		return model.Decision{}, false
	}

	base := filepath.Base(firstToken(command))
	mutating := mutatingVerbs[base]
	hasRedirection := strings.ContainsAny(command, ">") || strings.Contains(command, "<")
	pipesToDangerous := false
	if strings.Contains(command, "|") {
		for _, stage := range strings.Split(command, "|") {
			stageBase := filepath.Base(firstToken(strings.TrimSpace(stage)))
			if _, ok := dangerousCommandClass(stageBase); ok {
				pipesToDangerous = true
				break
			}
		}
	}

	if mutating || hasRedirection || pipesToDangerous {
		return model.ConfirmDecision("command touches a system directory and requires confirmation"), true
	}
	if safeReadOnlySystemCommands[base] && !hasRedirection {
		return model.Decision{Kind: model.Allow}, true
	}
	return model.Decision{}, false
}
