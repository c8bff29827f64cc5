// Package sudoers implements the Sudoers Parser: the local
// policy file plus its include directory, turned into an ordered list
// of model.Rule, with fsnotify-driven reload wired by the Policy
// Engine's lifecycle.
package sudoers

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/model"
)

// MalformedLineFunc is called for every dropped line so the caller
// can audit it.
type MalformedLineFunc func(source, line, reason string)

// Parser reads a main sudoers file and its include directory.
type Parser struct {
	MainPath       string
	IncludeDir     string // default include directory, may be overridden per-file by #includedir
	OnMalformedLine MalformedLineFunc
}

func NewParser(mainPath, includeDir string) *Parser {
	return &Parser{MainPath: mainPath, IncludeDir: includeDir}
}

// Parse reads the main file plus every eligible file in the include
// directory (or the directory named by an #includedir override) and
// returns the ordered rule list, annotated with source_label.
func (p *Parser) Parse() ([]model.Rule, error) {
	var rules []model.Rule
	includeDir := p.IncludeDir

	mainRules, override, err := p.parseFile(p.MainPath)
	if err != nil {
		return nil, err
	}
	rules = append(rules, mainRules...)
	if override != "" {
		includeDir = override
	}

	if includeDir == "" {
		return rules, nil
	}

	entries, err := os.ReadDir(includeDir)
	if err != nil {
		log.Debug().Err(err).Str("dir", includeDir).Msg("sudoers include directory absent, skipping")
		return rules, nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !eligibleIncludeName(e.Name()) || e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		fileRules, _, err := p.parseFile(filepath.Join(includeDir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable sudoers include file")
			continue
		}
		rules = append(rules, fileRules...)
	}

	return rules, nil
}

// eligibleIncludeName admits include-directory entries whose name
// contains neither '.' nor '~' and does not begin with '#'.
func eligibleIncludeName(name string) bool {
	if strings.HasPrefix(name, "#") {
		return false
	}
	if strings.ContainsAny(name, ".~") {
		return false
	}
	return true
}

// parseFile reads one file under (conceptually) a raised effective
// identity; the actual privilege raise/lower is the caller's
// responsibility (the Session Controller's scoped-escalation helper).
// Returns the file's rules plus any #includedir override it declares.
func (p *Parser) parseFile(path string) ([]model.Rule, string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", err
	}
	defer f.Close()

	label := filepath.Base(path)
	var rules []model.Rule
	var includeOverride string

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		line := strings.TrimSpace(raw)

		if line == "" || strings.HasPrefix(line, "#") {
			if dir, ok := parseIncludeDir(line); ok {
				includeOverride = dir
			}
			continue
		}
		if strings.HasPrefix(line, "Defaults") {
			continue // recognized, not consumed into rules
		}

		rule, err := parseRuleLine(line)
		if err != nil {
			p.malformed(label, raw, err.Error())
			continue
		}
		rule.SourceLabel = label
		rules = append(rules, rule)
	}
	if err := sc.Err(); err != nil {
		return rules, includeOverride, err
	}
	return rules, includeOverride, nil
}

func (p *Parser) malformed(source, line, reason string) {
	if p.OnMalformedLine != nil {
		p.OnMalformedLine(source, line, reason)
	}
	log.Warn().Str("source", source).Str("line", line).Str("reason", reason).Msg("dropping malformed sudoers line")
}

func parseIncludeDir(line string) (string, bool) {
	line = strings.TrimPrefix(line, "#")
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "includedir") {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "includedir"))
	if rest == "" {
		return "", false
	}
	return rest, true
}

// parseRuleLine parses one "users hosts = [(runas)] [NOPASSWD:] commands"
// line.
func parseRuleLine(line string) (model.Rule, error) {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return model.Rule{}, errSyntax("missing '='")
	}
	left := strings.TrimSpace(line[:eq])
	right := strings.TrimSpace(line[eq+1:])
	if left == "" || right == "" {
		return model.Rule{}, errSyntax("empty user/host or command list")
	}

	usersHosts := strings.Fields(left)
	if len(usersHosts) != 2 {
		return model.Rule{}, errSyntax("expected 'users hosts'")
	}
	users := splitCommaList(usersHosts[0])
	hosts := splitCommaList(usersHosts[1])

	rule := model.Rule{Users: users, Hosts: hosts}

	// Optional (runas) / (runas_user:runas_group)
	if strings.HasPrefix(right, "(") {
		end := strings.Index(right, ")")
		if end < 0 {
			return model.Rule{}, errSyntax("unterminated runas clause")
		}
		runas := right[1:end]
		right = strings.TrimSpace(right[end+1:])
		if idx := strings.Index(runas, ":"); idx >= 0 {
			rule.RunAsUser = strings.TrimSpace(runas[:idx])
			rule.RunAsGroup = strings.TrimSpace(runas[idx+1:])
		} else {
			rule.RunAsUser = strings.TrimSpace(runas)
		}
	}

	if strings.HasPrefix(right, "NOPASSWD:") {
		rule.NoPasswd = true
		right = strings.TrimSpace(strings.TrimPrefix(right, "NOPASSWD:"))
	}

	if right == "" {
		return model.Rule{}, errSyntax("no commands")
	}
	rule.Commands = splitCommaList(right)
	return rule, nil
}

func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FormatRule renders a rule back into the line grammar Parse accepts,
// with normalized whitespace. Parsing the output yields the same rule.
func FormatRule(r model.Rule) string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Users, ","))
	b.WriteString(" ")
	b.WriteString(strings.Join(r.Hosts, ","))
	b.WriteString(" = ")
	if r.RunAsUser != "" {
		b.WriteString("(")
		b.WriteString(r.RunAsUser)
		if r.RunAsGroup != "" {
			b.WriteString(":")
			b.WriteString(r.RunAsGroup)
		}
		b.WriteString(") ")
	}
	if r.NoPasswd {
		b.WriteString("NOPASSWD: ")
	}
	b.WriteString(strings.Join(r.Commands, ", "))
	return b.String()
}

// FormatRules renders one rule per line.
func FormatRules(rules []model.Rule) string {
	var b strings.Builder
	for _, r := range rules {
		b.WriteString(FormatRule(r))
		b.WriteString("\n")
	}
	return b.String()
}

type syntaxError string

func (e syntaxError) Error() string { return string(e) }
func errSyntax(reason string) error { return syntaxError(reason) }

// SortRules orders rules by declared order ascending, unset orders
// last, stably.
func SortRules(rules []model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		oi, oj := rules[i].Order, rules[j].Order
		if oi == nil && oj == nil {
			return false
		}
		if oi == nil {
			return false
		}
		if oj == nil {
			return true
		}
		return *oi < *oj
	})
}

// ParseOrder converts a sudoOrder attribute string into *int, nil on
// failure (unset sorts last, same as absent).
func ParseOrder(s string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &n
}
