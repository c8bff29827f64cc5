// Command sudosh is the audited, privileged-command shell's CLI
// entrypoint: it resolves flags, builds a session context, and
// hands control to the Session Controller.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sudosh/sudosh/internal/audit"
	"github.com/sudosh/sudosh/internal/authn"
	"github.com/sudosh/sudosh/internal/config"
	"github.com/sudosh/sudosh/internal/credcache"
	"github.com/sudosh/sudosh/internal/dirclient"
	"github.com/sudosh/sudosh/internal/executor"
	"github.com/sudosh/sudosh/internal/hostinfo"
	"github.com/sudosh/sudosh/internal/identity"
	"github.com/sudosh/sudosh/internal/model"
	"github.com/sudosh/sudosh/internal/policy"
	"github.com/sudosh/sudosh/internal/session"
	"github.com/sudosh/sudosh/internal/sudoers"
	"github.com/sudosh/sudosh/internal/validator"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var flags struct {
	verbose        bool
	list           bool
	logSession     string
	user           string
	command        string
	rcAliasImport  bool
	noRCAlias      bool
	ansibleDetect  bool
	noAnsible      bool
	ansibleForce   bool
	ansibleVerbose bool
}

var rootCmd = &cobra.Command{
	Use:     "sudosh [command]",
	Short:   "sudosh - an audited, privileged-command interactive shell",
	Version: fmt.Sprintf("%s (%s)", Version, GitCommit),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := run(cmd.Context(), args)
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "verbose diagnostic output")
	f.BoolVarP(&flags.list, "list", "l", false, "list the caller's effective privileges and exit")
	f.StringVarP(&flags.logSession, "log-session", "L", "", "session transcript FILE (accepted; no transcript is written)")
	f.StringVarP(&flags.user, "user", "u", "", "run as USER instead of the default elevated identity")
	f.StringVarP(&flags.command, "command", "c", "", "run COMMAND and exit (single-command mode)")
	f.BoolVar(&flags.rcAliasImport, "rc-alias-import", true, "rc alias import (accepted; no aliases are imported)")
	f.BoolVar(&flags.noRCAlias, "no-rc-alias-import", false, "disable rc alias import")
	f.BoolVar(&flags.ansibleDetect, "ansible-detect", true, "enable automation heuristic detection")
	f.BoolVar(&flags.noAnsible, "no-ansible-detect", false, "disable automation heuristic detection")
	f.BoolVar(&flags.ansibleForce, "ansible-force", false, "force the environment-intent flag on")
	f.BoolVar(&flags.ansibleVerbose, "ansible-verbose", false, "automation detection tracing (accepted; nothing is traced)")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "sudosh: %v\n", err)
		os.Exit(session.ExitFailure)
	}
}

func run(ctx context.Context, args []string) int {
	cfg := config.Default()
	cfg.Verbose = flags.verbose
	cfg.ApplyEnv(os.Getenv)

	if flags.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	caller := buildCallerContext(args)

	metrics := audit.NewMetrics(prometheus.NewRegistry())
	auditSink, err := audit.Open(cfg.AuditDBPath, metrics)
	if err != nil {
		log.Warn().Err(err).Msg("sudosh: audit persistence unavailable, continuing with log-only audit")
		auditSink, err = audit.Open(":memory:", metrics)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sudosh: cannot open audit sink")
			return session.ExitFailure
		}
	}
	defer auditSink.Close()

	esc := &session.Escalation{}
	idResolver := identity.NewResolver("", "", nil)
	idResolver.OnMalformedLine = func(source, line string) {
		auditSink.Emit(ctx, audit.Record{
			Kind: audit.EventDecision, CallerUser: caller.RealUser, Terminal: caller.Terminal,
			Decision: "parser-error", SourceLabel: source, Reason: "malformed database line",
		})
	}

	parser := sudoers.NewParser(cfg.SudoersPath, cfg.SudoersDir)
	parser.OnMalformedLine = func(source, line, reason string) {
		auditSink.Emit(ctx, audit.Record{
			Kind: audit.EventDecision, CallerUser: caller.RealUser, Terminal: caller.Terminal,
			Decision: "parser-error", SourceLabel: source, Reason: reason,
		})
	}
	cachedSudoers := sudoers.NewCached(parser)
	defer cachedSudoers.Close()

	var library dirclient.LibraryBackend
	if cfg.DirectoryHost != "" {
		library = dirclient.NewRemoteLibrary(cfg.DirectoryHost, cfg.DirectoryPort)
	}
	dirClient := dirclient.NewClient(cfg.DirectorySocketPath, library, esc)
	dirClient.ForceSocket = cfg.ForceSocket
	dirClient.Debug = cfg.DebugSSSD

	cache := credcache.New(cfg.CredCacheDir, cfg.CredCacheTimeout, macKey())

	engine := policy.New(idResolver, hostinfo.LocalIPv4)

	auth := authn.New(authn.FDTerminalReader{FD: int(os.Stdin.Fd())}, cache, caller.Mode == model.ModeInteractive)

	ctrl := session.New(caller)
	ctrl.Validator = validator.New()
	ctrl.Engine = engine
	ctrl.Identity = idResolver
	ctrl.Sudoers = cachedSudoers
	ctrl.Directory = dirClient
	ctrl.Cache = cache
	ctrl.Exec = executor.New()
	ctrl.Audit = auditSink
	ctrl.Auth = auth
	ctrl.Escalate = esc
	ctrl.Confirm = session.StdinConfirmer{}
	ctrl.TargetUser = flags.user
	ctrl.InactivityTimeout = cfg.InactivityTimeout
	ctrl.NewConversation = conversationFactory(cfg)

	switch {
	case flags.list:
		ctrl.ListPrivileges(ctx, os.Stdout)
		return session.ExitSuccess
	case flags.command != "":
		return ctrl.RunOnce(ctx, flags.command)
	case len(args) > 0:
		return ctrl.RunOnce(ctx, strings.Join(args, " "))
	}

	ctrl.Lines = stdinLineReader{r: bufio.NewReader(os.Stdin)}
	if err := ctrl.Run(ctx); err != nil {
		return session.ExitFailure
	}
	return session.ExitSuccess
}

// conversationFactory picks the platform conversation, or the
// deterministic rule-based one when SUDOSH_TEST_MODE is set.
func conversationFactory(cfg config.Config) func(username string) authn.Conversation {
	if cfg.TestMode {
		return func(username string) authn.Conversation {
			return &authn.RuleBasedConversation{
				Username: username,
				Accept:   func(user, password string) bool { return password == user },
			}
		}
	}
	return func(username string) authn.Conversation {
		return authn.NewPlatformConversation(username)
	}
}

// macKey derives the credential-cache signing key from host-stable
// identifiers. The cache directory itself is root-owned 0700; the MAC
// guards against a record copied in from elsewhere.
func macKey() []byte {
	_, canonical := hostinfo.Names()
	sum := sha256.Sum256([]byte("sudosh-credcache:" + canonical))
	return sum[:]
}

type stdinLineReader struct {
	r *bufio.Reader
}

func (s stdinLineReader) ReadLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		fmt.Fprint(os.Stderr, "sudosh# ")
		line, err := s.r.ReadString('\n')
		ch <- result{strings.TrimRight(line, "\n"), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

func buildCallerContext(args []string) model.CallerContext {
	short, canonical := hostinfo.Names()

	mode := model.ModeInteractive
	switch {
	case flags.list:
		mode = model.ModeListOnly
	case flags.command != "" || len(args) > 0:
		mode = model.ModeSingleCommand
	}

	return model.CallerContext{
		RealUID:           uint32(os.Getuid()),
		RealUser:          currentUsername(),
		EffectiveUID:      uint32(os.Geteuid()),
		Terminal:          controllingTTY(),
		HostnameShort:     short,
		HostnameCanon:     canonical,
		Mode:              mode,
		EnvironmentIntent: flags.ansibleForce || detectAutomation(flags.ansibleDetect && !flags.noAnsible),
	}
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("LOGNAME")
}

func controllingTTY() string {
	for _, fd := range []int{0, 1, 2} {
		if name, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd)); err == nil && strings.HasPrefix(name, "/dev/") {
			return name
		}
	}
	if t := os.Getenv("SSH_TTY"); t != "" {
		return t
	}
	return "unknown"
}

// detectAutomation reduces the Ansible/CI detection heuristics to
// the single environment-intent boolean the Policy Engine consumes.
func detectAutomation(enabled bool) bool {
	if !enabled {
		return false
	}
	for _, v := range []string{"ANSIBLE_MODULE_ARGS", "CI"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}
