package dirclient

import (
	"strings"

	"github.com/sudosh/sudosh/internal/sudoers"

	"github.com/sudosh/sudosh/internal/model"
)

// Query is what the client asks the responder about.
type Query struct {
	UID             uint32
	Username        string
	HostnameShort   string
	HostnameCanonical string
	Groups          []string
}

// rulesFromRecords builds model.Rule values from library-transport
// records: one Rule per sudoCommand value, sharing the record's other
// attributes, with the options list reduced into flags and scalars.
func rulesFromRecords(records []libraryRuleRecord) []model.Rule {
	var out []model.Rule
	for _, rec := range records {
		opts := optionsFromStrings(rec.SudoOption)
		for _, cmd := range rec.SudoCommand {
			out = append(out, model.Rule{
				Users:       rec.SudoUser,
				Hosts:       rec.SudoHost,
				RunAsUser:   firstOr(rec.SudoRunAsUser, ""),
				RunAsGroup:  firstOr(rec.SudoRunAsGroup, ""),
				Commands:    []string{cmd},
				Options:     opts,
				Order:       sudoers.ParseOrder(firstOr(rec.SudoOrder, "")),
				SourceLabel: "directory",
			})
		}
	}
	return out
}

func firstOr(vals []string, def string) string {
	if len(vals) > 0 {
		return vals[0]
	}
	return def
}

// decodeRuleStream walks a TLV stream accumulating RUNASUSER,
// RUNASGROUP, and OPTION state, emitting a Rule each time a COMMAND
// TLV is seen.
func decodeRuleStream(attrs []tlv) []model.Rule {
	var rules []model.Rule
	var runAsUser, runAsGroup string
	var opts model.Options

	for _, a := range attrs {
		switch a.Type {
		case AttrRunAsUser:
			runAsUser = string(a.Value)
		case AttrRunAsGroup:
			runAsGroup = string(a.Value)
		case AttrOption:
			applyOptionTokens(&opts, string(a.Value))
		case AttrCommand:
			rules = append(rules, model.Rule{
				RunAsUser:   runAsUser,
				RunAsGroup:  runAsGroup,
				Commands:    []string{string(a.Value)},
				Options:     opts,
				SourceLabel: "directory-socket",
			})
		default:
			// unknown TLV types are skipped.3
		}
	}
	return rules
}

// optionsFromStrings reduces a sudoOption attribute's multiple string
// values into flags/scalars.
func optionsFromStrings(values []string) model.Options {
	var opts model.Options
	for _, v := range values {
		applyOptionTokens(&opts, v)
	}
	return opts
}

// applyOptionTokens applies every comma- or newline-separated token
// in value to opts.
func applyOptionTokens(opts *model.Options, value string) {
	tokens := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	for _, tok := range tokens {
		applyOptionToken(opts, strings.TrimSpace(tok))
	}
}

func applyOptionToken(opts *model.Options, tok string) {
	if tok == "" {
		return
	}
	neg := strings.HasPrefix(tok, "!")
	name := strings.TrimPrefix(tok, "!")

	if eq := strings.Index(name, "="); eq >= 0 {
		key, val := name[:eq], name[eq+1:]
		switch key {
		case "timestamp_timeout":
			opts.TimestampTimeoutMinutes = atoiSafe(val)
		case "umask":
			opts.Umask = atoiSafe(val)
		case "secure_path":
			opts.SecurePath = val
		case "chroot":
			opts.Chroot = val
		case "cwd", "runcwd":
			opts.WorkingDirectory = val
		case "role", "type":
			opts.SecurityContext = val
		case "verifypw":
			opts.VerifyPW = val
		case "env_keep":
			opts.KeepEnv = append(opts.KeepEnv, strings.Split(val, " ")...)
		case "env_check":
			opts.CheckEnv = append(opts.CheckEnv, strings.Split(val, " ")...)
		case "env_delete":
			opts.DeleteEnv = append(opts.DeleteEnv, strings.Split(val, " ")...)
		}
		return
	}

	switch name {
	case "env_reset":
		opts.ResetEnvironment = !neg
	case "requiretty":
		opts.RequireTTY = !neg
	case "lecture":
		opts.Lecture = !neg
	case "log_output", "iolog":
		opts.IOLog = !neg
	case "noexec":
		opts.NoExec = !neg
	case "setenv":
		opts.SetEnv = !neg
	}
}

func atoiSafe(s string) int {
	n := 0
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		return -n
	}
	return n
}
