// Package session implements the Session Controller: the
// top-level read-validate-decide-execute-audit loop, threading an
// explicit session context through every component instead of
// reaching up to global mutable singletons.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/audit"
	"github.com/sudosh/sudosh/internal/authn"
	"github.com/sudosh/sudosh/internal/credcache"
	"github.com/sudosh/sudosh/internal/dirclient"
	"github.com/sudosh/sudosh/internal/executor"
	"github.com/sudosh/sudosh/internal/identity"
	"github.com/sudosh/sudosh/internal/model"
	"github.com/sudosh/sudosh/internal/policy"
	"github.com/sudosh/sudosh/internal/sudoers"
	"github.com/sudosh/sudosh/internal/validator"
)

// Process exit codes. Signal termination is
// encoded as 128+signal by the Executor.
const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitAuthFailure     = 3
	ExitCommandNotFound = 127
)

// ErrAuthFailed terminates the session in interactive mode and maps to
// ExitAuthFailure in single-command mode.
var ErrAuthFailed = errors.New("session: authentication failed")

// LineReader is the line-editing/tab-completion UI's declared
// interface; its implementation (prompting, history, completion) is
// out of the security core's scope.
type LineReader interface {
	// ReadLine blocks for one command line, or returns io.EOF at
	// end-of-input. It must respect ctx cancellation and the
	// inactivity timeout the Session Controller configures.
	ReadLine(ctx context.Context) (string, error)
}

// Confirmer asks the user to confirm a confirm() decision; only the
// literal answer "yes" proceeds.
type Confirmer interface {
	Confirm(ctx context.Context, reason string) bool
}

// StdinConfirmer prompts on stderr and reads one line from stdin,
// requiring the literal answer "yes".
type StdinConfirmer struct{}

func (StdinConfirmer) Confirm(ctx context.Context, reason string) bool {
	fmt.Fprintf(os.Stderr, "sudosh: %s. Type 'yes' to continue: ", reason)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

// Controller wires every security-core component into one session.
type Controller struct {
	Caller model.CallerContext

	Validator *validator.Validator
	Engine    *policy.Engine
	Identity  *identity.Resolver
	Sudoers   *sudoers.CachedParser
	Directory *dirclient.Client
	Cache     *credcache.Cache
	Exec      *executor.Executor
	Audit     *audit.Sink
	Auth      *authn.Authenticator
	Escalate  *Escalation

	// NewConversation builds one platform authentication conversation
	// per prompt; the test build injects a rule-based factory here
	// instead of conditional compilation.
	NewConversation func(username string) authn.Conversation

	Lines   LineReader
	Confirm Confirmer

	// TargetUser is the -u flag's requested target; empty means the
	// default elevated identity.
	TargetUser string

	SystemUIDThreshold int
	InactivityTimeout  time.Duration
	SessionID          string

	token    *CancelToken
	childPID int64
}

// New constructs a Controller with a fresh session id and
// cancellation token.
func New(caller model.CallerContext) *Controller {
	return &Controller{
		Caller:    caller,
		SessionID: uuid.New().String(),
		token:     &CancelToken{},
	}
}

// Run drives the read-validate-decide-execute-audit loop until EOF
// or an interrupt signal sets the cancellation token.
func (c *Controller) Run(ctx context.Context) error {
	router := NewSignalRouter(c.token, c.currentChildPID)
	stop := router.Start()
	defer stop()

	if c.Cache != nil {
		c.Cache.Sweep()
		defer c.Cache.Sweep() // exit-path cleanup alongside log close
	}
	if c.Exec != nil {
		c.Exec.OnChildStart = c.setChildPID
	}

	for {
		if c.token.Interrupted() {
			log.Info().Str("session", c.SessionID).Msg("session: interrupted, shutting down")
			return nil
		}

		line, err := c.readLineWithTimeout(ctx)
		if errors.Is(err, errInactivityTimeout) {
			log.Warn().Str("session", c.SessionID).Msg("session: inactivity timeout, terminating")
			return err
		}
		if err != nil {
			return nil // EOF: normal end of session
		}
		if c.token.TakeClearLine() {
			continue
		}

		if _, err := c.handleLine(ctx, line); errors.Is(err, ErrAuthFailed) {
			// Interactive authentication failure ends the session.
			return err
		}
	}
}

// RunOnce executes a single command (the -c flag or bare arguments)
// and returns the process exit code.
func (c *Controller) RunOnce(ctx context.Context, line string) int {
	router := NewSignalRouter(c.token, c.currentChildPID)
	stop := router.Start()
	defer stop()

	if c.Exec != nil {
		c.Exec.OnChildStart = c.setChildPID
	}

	code, err := c.handleLine(ctx, line)
	if errors.Is(err, ErrAuthFailed) {
		return ExitAuthFailure
	}
	if err != nil {
		return ExitFailure
	}
	return code
}

var errInactivityTimeout = errors.New("session: inactivity timeout")

func (c *Controller) readLineWithTimeout(ctx context.Context) (string, error) {
	timeout := c.InactivityTimeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line, err := c.Lines.ReadLine(rctx)
	if rctx.Err() == context.DeadlineExceeded {
		return "", errInactivityTimeout
	}
	return line, err
}

func (c *Controller) setChildPID(pid int) { atomic.StoreInt64(&c.childPID, int64(pid)) }
func (c *Controller) currentChildPID() int {
	return int(atomic.LoadInt64(&c.childPID))
}

// handleLine implements the per-command pipeline: Command Validator ->
// Policy Engine -> (Authenticator) -> Executor -> Audit Sink, emitting
// records in a strict order per command: decision, authentication,
// execution start, per-stage events, execution complete. It returns
// the command's exit code, or an error for session-fatal conditions.
func (c *Controller) handleLine(ctx context.Context, line string) (int, error) {
	decision := c.Validator.Validate(line)
	if decision.Kind == model.Allow && decision.Reason == "noop" {
		return ExitSuccess, nil
	}

	switch decision.Kind {
	case model.Deny:
		c.emitDecision(ctx, line, "deny", "", decision.Reason)
		fmt.Fprintf(os.Stderr, "sudosh: %s\n", decision.Reason)
		return ExitFailure, nil
	case model.Confirm:
		if c.Confirm == nil || !c.Confirm.Confirm(ctx, decision.Reason) {
			c.emitDecision(ctx, line, "deny", "", "not confirmed: "+decision.Reason)
			fmt.Fprintln(os.Stderr, "sudosh: cancelled")
			return ExitFailure, nil
		}
	}

	target, err := c.ResolveTarget(ctx, c.TargetUser)
	if err != nil {
		c.emitDecision(ctx, line, "deny", "", err.Error())
		fmt.Fprintf(os.Stderr, "sudosh: %v\n", err)
		return ExitFailure, nil
	}

	verdict := c.decide(ctx, line, target)
	if !verdict.Allowed {
		c.emitDecision(ctx, line, "deny", verdict.SourceLabel, verdict.Reason)
		fmt.Fprintln(os.Stderr, "sudosh: command not permitted by policy")
		return ExitFailure, nil
	}
	c.emitDecision(ctx, line, "allow", verdict.SourceLabel, "")

	if verdict.RequirePassword && !c.authenticated(ctx) {
		return ExitAuthFailure, ErrAuthFailed
	}

	return c.execute(ctx, line, target)
}

// decide runs the safe-command short circuit and the Policy Engine.
// A command in the curated safe set is allowed without consulting the
// engine; for callers in an admin group the source
// label names the group that carried the decision.
func (c *Controller) decide(ctx context.Context, line string, target model.TargetIdentity) model.PolicyVerdict {
	if validator.IsSafeCommand(line) && target.IsDefault() {
		source := "safe-command"
		if c.Identity != nil {
			if group, ok := c.Identity.AdminGroup(ctx, c.Caller.RealUser); ok {
				source = "group:" + group
			}
		}
		// The shortcut must not bypass the automation-intent rule: a
		// safe command against a sensitive directory still demands a
		// password when the environment is considered hostile.
		return model.PolicyVerdict{
			Allowed:         true,
			SourceLabel:     source,
			RequirePassword: c.Caller.EnvironmentIntent && validator.Classify(line) != validator.RiskLow,
		}
	}

	cacheValid := c.checkCache(ctx)

	set := c.loadPolicySet(ctx)

	// A pipeline needs permission for every stage;
	// a single command is the one-stage case.
	stages := strings.Split(line, "|")
	var combined model.PolicyVerdict
	for i, stage := range stages {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			continue
		}
		v := c.Engine.Decide(ctx, c.Caller, target, stage, set, cacheValid)
		if !v.Allowed {
			return v
		}
		if i == 0 {
			combined = v
			continue
		}
		combined.RequirePassword = combined.RequirePassword || v.RequirePassword
		combined.NoPasswd = combined.NoPasswd && v.NoPasswd
		combined.Options.Merge(v.Options)
	}
	return combined
}

func (c *Controller) loadPolicySet(ctx context.Context) model.PolicySet {
	var set model.PolicySet
	if c.Sudoers != nil {
		parse := func() error {
			rules, err := c.Sudoers.Rules()
			set.LocalRules = rules
			return err
		}
		var err error
		if c.Escalate != nil {
			err = c.Escalate.WithSuperuser(parse)
		} else {
			err = parse()
		}
		if err != nil {
			log.Warn().Err(err).Msg("session: sudoers parse failed, continuing with local rules found so far")
		}
	}
	if c.Directory != nil {
		q := dirclient.Query{
			UID:               c.Caller.RealUID,
			Username:          c.Caller.RealUser,
			HostnameShort:     c.Caller.HostnameShort,
			HostnameCanonical: c.Caller.HostnameCanon,
		}
		rules, err := c.Directory.Query(ctx, q)
		if err != nil {
			log.Warn().Err(err).Msg("session: directory rules client failed, relying on local rules")
		} else {
			set.DirectoryRules = rules
		}
	}
	return set
}

func (c *Controller) checkCache(ctx context.Context) bool {
	if c.Cache == nil {
		return false
	}
	_, ok := c.Cache.Check(c.Caller.RealUser, c.Caller.Terminal)
	kind := audit.EventCacheMiss
	if ok {
		kind = audit.EventCacheHit
	}
	c.Audit.Emit(ctx, audit.Record{
		Kind: kind, CallerUser: c.Caller.RealUser, Terminal: c.Caller.Terminal,
	})
	return ok
}

// authenticated drives one authentication conversation and reports
// whether the command may proceed. A success refreshes the cache (the
// Authenticator updates it); a failure clears it.
func (c *Controller) authenticated(ctx context.Context) bool {
	if c.Auth == nil || c.NewConversation == nil {
		log.Warn().Msg("session: password required but no authenticator is wired")
		return false
	}
	conv := c.NewConversation(c.Caller.RealUser)
	err := c.Auth.Authenticate(ctx, conv, c.Caller, c.SessionID)
	c.Audit.Emit(ctx, audit.Record{
		Kind: audit.EventAuth, CallerUser: c.Caller.RealUser, Terminal: c.Caller.Terminal,
		Decision: authOutcome(err), Reason: reasonOf(err),
	})
	if err != nil {
		log.Warn().Err(err).Str("user", c.Caller.RealUser).Msg("session: authentication failed")
		return false
	}
	return true
}

func authOutcome(err error) string {
	if err != nil {
		return "auth_failure"
	}
	return "auth_success"
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Controller) execute(ctx context.Context, line string, target model.TargetIdentity) (int, error) {
	desc := parsePipeline(line)
	if len(desc.Stages) == 0 || len(desc.Stages[0].Argv) == 0 {
		return ExitSuccess, nil
	}
	for i := range desc.Stages {
		desc.Stages[i].Envp = os.Environ()
	}

	groups := c.supplementaryGroups(ctx, target)

	c.Audit.Emit(ctx, audit.Record{
		Kind: audit.EventExecStart, CallerUser: c.Caller.RealUser, Terminal: c.Caller.Terminal,
		TargetUser: target.User, Command: line,
	})

	var result executor.Result
	var err error
	if len(desc.Stages) == 1 {
		result, err = c.Exec.Run(ctx, desc.Stages[0], target, groups, false)
	} else {
		for i, stage := range desc.Stages {
			c.Audit.Emit(ctx, audit.Record{
				Kind: audit.EventStageStart, CallerUser: c.Caller.RealUser, Terminal: c.Caller.Terminal,
				TargetUser: target.User, Command: strings.Join(stage.Argv, " "),
				Reason: fmt.Sprintf("stage %d", i),
			})
		}
		result, err = c.Exec.RunPipeline(ctx, desc, target, groups)
	}
	atomic.StoreInt64(&c.childPID, 0)

	if err != nil {
		status := ExitCommandNotFound
		c.Audit.Emit(ctx, audit.Record{
			Kind: audit.EventExecComplete, CallerUser: c.Caller.RealUser, Terminal: c.Caller.Terminal,
			TargetUser: target.User, Command: line, Reason: err.Error(), ExitStatus: &status,
		})
		fmt.Fprintf(os.Stderr, "sudosh: %v\n", err)
		return ExitCommandNotFound, nil
	}

	status := result.ExitStatus
	c.Audit.Emit(ctx, audit.Record{
		Kind: audit.EventExecComplete, CallerUser: c.Caller.RealUser, Terminal: c.Caller.Terminal,
		TargetUser: target.User, Command: line, ExitStatus: &status,
	})
	if result.Signaled && !executor.QuietSignals[result.Signal] {
		fmt.Fprintf(os.Stderr, "sudosh: command terminated by signal %d\n", result.Signal)
	}
	return status, nil
}

func (c *Controller) supplementaryGroups(ctx context.Context, target model.TargetIdentity) []uint32 {
	if c.Identity == nil {
		return []uint32{target.GID}
	}
	groups, err := c.Identity.GroupIDs(ctx, target.User)
	if err != nil || len(groups) == 0 {
		return []uint32{target.GID}
	}
	return groups
}

func (c *Controller) emitDecision(ctx context.Context, command, decision, source, reason string) {
	c.Audit.Emit(ctx, audit.Record{
		Kind: audit.EventDecision, CallerUser: c.Caller.RealUser, Terminal: c.Caller.Terminal,
		Command: command, Decision: decision, SourceLabel: source, Reason: reason,
	})
}

// ListPrivileges implements the -l flag: print every rule that
// names the caller, without executing anything.
func (c *Controller) ListPrivileges(ctx context.Context, out *os.File) {
	set := c.loadPolicySet(ctx)
	rules := append(append([]model.Rule{}, set.LocalRules...), set.DirectoryRules...)
	sudoers.SortRules(rules)

	fmt.Fprintf(out, "Matching rules for %s on %s:\n", c.Caller.RealUser, c.Caller.HostnameShort)
	for _, r := range rules {
		if !c.ruleNamesCaller(ctx, r) {
			continue
		}
		nopass := ""
		if r.NoPasswd {
			nopass = "NOPASSWD: "
		}
		runas := r.RunAsUser
		if runas == "" {
			runas = model.DefaultTarget
		}
		fmt.Fprintf(out, "    (%s) %s%s  [%s]\n", runas, nopass, strings.Join(r.Commands, ", "), r.SourceLabel)
	}
	if c.Identity != nil {
		if group, ok := c.Identity.AdminGroup(ctx, c.Caller.RealUser); ok {
			fmt.Fprintf(out, "    (%s) safe read-only commands  [group:%s]\n", model.DefaultTarget, group)
		}
	}
}

func (c *Controller) ruleNamesCaller(ctx context.Context, r model.Rule) bool {
	for _, u := range r.Users {
		if u == "ALL" || u == c.Caller.RealUser {
			return true
		}
		if strings.HasPrefix(u, "%") && c.Identity != nil {
			groups, err := c.Identity.GroupsOf(ctx, c.Caller.RealUser)
			if err != nil {
				continue
			}
			for _, g := range groups {
				if g == strings.TrimPrefix(u, "%") {
					return true
				}
			}
		}
	}
	return false
}

func splitArgv(line string) []string {
	var out []string
	cur := ""
	inWord := false
	for _, r := range line {
		if r == ' ' || r == '\t' {
			if inWord {
				out = append(out, cur)
				cur = ""
				inWord = false
			}
			continue
		}
		cur += string(r)
		inWord = true
	}
	if inWord {
		out = append(out, cur)
	}
	return out
}
