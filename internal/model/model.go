// Package model holds the value types shared by every security-core
// component: rules, identities, and the decisions components hand back
// to the Session Controller. Nothing in this package talks to the
// filesystem, the network, or a terminal.
package model

import "time"

// InvocationMode is how the session was started.
type InvocationMode string

const (
	ModeInteractive   InvocationMode = "interactive"
	ModeSingleCommand InvocationMode = "single_command"
	ModeValidateOnly  InvocationMode = "validate_only"
	ModeListOnly      InvocationMode = "list_only"
)

// CallerContext is immutable for the life of a session.
type CallerContext struct {
	RealUID          uint32
	RealUser         string
	EffectiveUID     uint32
	EffectiveUser    string
	Terminal         string
	HostnameShort    string
	HostnameCanon    string
	Mode             InvocationMode
	EnvironmentIntent bool // true when the calling environment is considered hostile/automated
}

// TargetIdentity is the account a command will run as.
type TargetIdentity struct {
	User  string
	UID   uint32
	GID   uint32
	Group string
}

// DefaultTarget is the conventional elevated identity.
const DefaultTarget = "root"

// IsDefault reports whether t names the conventional superuser target.
func (t TargetIdentity) IsDefault() bool {
	return t.User == "" || t.User == DefaultTarget
}

// Options carries the flag and scalar option vector a Rule or the
// directory responder may set, and the synthesis the Policy Engine
// performs across every matching rule.
type Options struct {
	ResetEnvironment bool
	RequireTTY       bool
	Lecture          bool
	IOLog            bool
	NoExec           bool
	SetEnv           bool

	TimestampTimeoutMinutes int
	Umask                   int
	SecurePath              string
	Chroot                  string
	WorkingDirectory        string
	KeepEnv                 []string
	CheckEnv                []string
	DeleteEnv               []string
	IOLogLocation           string
	SecurityContext         string

	// VerifyPW mirrors sudoers' verifypw: "", "always", or "any".
	VerifyPW string
}

// Merge folds other's flags (OR) and scalars (last-wins, except
// path-valued scalars which keep the first non-empty value) into o.
func (o *Options) Merge(other Options) {
	o.ResetEnvironment = o.ResetEnvironment || other.ResetEnvironment
	o.RequireTTY = o.RequireTTY || other.RequireTTY
	o.Lecture = o.Lecture || other.Lecture
	o.IOLog = o.IOLog || other.IOLog
	o.NoExec = o.NoExec || other.NoExec
	o.SetEnv = o.SetEnv || other.SetEnv

	if other.TimestampTimeoutMinutes != 0 {
		o.TimestampTimeoutMinutes = other.TimestampTimeoutMinutes
	}
	if other.Umask != 0 {
		o.Umask = other.Umask
	}
	if o.SecurePath == "" {
		o.SecurePath = other.SecurePath
	}
	if o.Chroot == "" {
		o.Chroot = other.Chroot
	}
	if o.WorkingDirectory == "" {
		o.WorkingDirectory = other.WorkingDirectory
	}
	if len(other.KeepEnv) > 0 {
		o.KeepEnv = append(o.KeepEnv, other.KeepEnv...)
	}
	if len(other.CheckEnv) > 0 {
		o.CheckEnv = append(o.CheckEnv, other.CheckEnv...)
	}
	if len(other.DeleteEnv) > 0 {
		o.DeleteEnv = append(o.DeleteEnv, other.DeleteEnv...)
	}
	if o.IOLogLocation == "" {
		o.IOLogLocation = other.IOLogLocation
	}
	if o.SecurityContext == "" {
		o.SecurityContext = other.SecurityContext
	}
	if other.VerifyPW != "" {
		o.VerifyPW = other.VerifyPW
	}
}

// Rule is a single policy statement, whatever its source (local file or
// directory responder).
type Rule struct {
	Users       []string
	Hosts       []string
	RunAsUser   string
	RunAsGroup  string
	Commands    []string // may carry a leading "!" for negation
	NoPasswd    bool
	Options     Options
	Order       *int // nil sorts last
	NotBefore   *time.Time
	NotAfter    *time.Time
	SourceLabel string
}

// PolicySet is the ordered union of rules available to a session.
type PolicySet struct {
	LocalRules     []Rule
	DirectoryRules []Rule
}

// Decision is the Command Validator's total-function result.
type Decision struct {
	Kind   DecisionKind
	Reason string
}

type DecisionKind int

const (
	Allow DecisionKind = iota
	Deny
	Confirm
)

func AllowDecision() Decision            { return Decision{Kind: Allow} }
func DenyDecision(reason string) Decision { return Decision{Kind: Deny, Reason: reason} }
func ConfirmDecision(reason string) Decision {
	return Decision{Kind: Confirm, Reason: reason}
}

// PolicyVerdict is the Policy Engine's decision for one command.
type PolicyVerdict struct {
	Allowed         bool
	Reason          string
	SourceLabel     string
	NoPasswd        bool
	RequirePassword bool
	Options         Options
}

// UserRecord mirrors a passwd entry.
type UserRecord struct {
	Name    string
	UID     uint32
	GID     uint32
	Home    string
	Shell   string
	GECOS   string
}

// GroupRecord mirrors a group entry.
type GroupRecord struct {
	Name    string
	GID     uint32
	Members []string
}

// CredentialCacheEntry is the logical content of a credential cache
// record; the binary layout lives in package credcache.
type CredentialCacheEntry struct {
	Username  string
	Timestamp time.Time
	SessionID string
	UID       uint32
	GID       uint32
	Terminal  string
	Hostname  string
}

// CommandDescriptor is a single command ready for the Executor.
type CommandDescriptor struct {
	Argv          []string
	Envp          []string
	StdoutAppend  bool
	StdoutPath    string
	StderrPath    string
	StdinPath     string
}

// PipelineDescriptor is an ordered sequence of stages connected by pipes.
type PipelineDescriptor struct {
	Stages []CommandDescriptor
}
