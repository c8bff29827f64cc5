// Package executor implements the Executor: resolves
// argv[0] against a hard-coded secure path, forks single commands or
// pipelines, drops privilege to the target identity in the correct
// order, sanitizes the environment, and harvests exit status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rs/zerolog/log"

	"github.com/sudosh/sudosh/internal/model"
)

// SecurePath is the hard-coded PATH used to resolve argv[0] when it
// contains no path separator; the inherited PATH is never consulted.
const SecurePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// sanitizedVars are unset before every exec.
var sanitizedVars = []string{
	"IFS", "CDPATH", "ENV", "BASH_ENV",
	"LD_PRELOAD", "LD_LIBRARY_PATH", "SHLIB_PATH", "LIBPATH",
	"DYLD_LIBRARY_PATH", "DYLD_INSERT_LIBRARIES", "DYLD_FORCE_FLAT_NAMESPACE",
	"TMPDIR", "TMP", "TEMP",
}

// editorVars are additionally suppressed when the command being
// exec'd is an editor.
var editorVars = []string{"SUDO_EDITOR", "VISUAL", "EDITOR"}

// Result is what the Executor hands back to the Session Controller.
type Result struct {
	ExitStatus int
	Signaled   bool
	Signal     int
}

// Executor runs single commands or pipelines under a target identity.
type Executor struct {
	// LookPath resolves argv[0]; overridable for tests.
	LookPath func(name string) (string, error)
	// OnChildStart, if set, is called with each forked child's pid so
	// the Session Controller can forward SIGINT to the foreground
	// child.
	OnChildStart func(pid int)
}

func New() *Executor {
	return &Executor{LookPath: defaultLookPath}
}

var ErrNotExecutable = errors.New("executor: resolved path is not executable")

// defaultLookPath resolves argv[0]: verbatim when it carries a path
// separator, otherwise searched along SecurePath.
func defaultLookPath(name string) (string, error) {
	if containsPathSeparator(name) {
		if isExecutable(name) {
			return name, nil
		}
		return "", ErrNotExecutable
	}
	for _, dir := range splitSecurePath() {
		candidate := dir + "/" + name
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executor: %q not found in secure path", name)
}

func splitSecurePath() []string {
	var dirs []string
	start := 0
	for i := 0; i <= len(SecurePath); i++ {
		if i == len(SecurePath) || SecurePath[i] == ':' {
			if i > start {
				dirs = append(dirs, SecurePath[start:i])
			}
			start = i + 1
		}
	}
	return dirs
}

func containsPathSeparator(name string) bool {
	for _, r := range name {
		if r == '/' {
			return true
		}
	}
	return false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// sanitizeEnv returns a new envp with the forbidden variables removed
// and a secure default PATH injected when none is set.
func sanitizeEnv(envp []string, isEditor bool) []string {
	drop := make(map[string]bool, len(sanitizedVars)+len(editorVars))
	for _, v := range sanitizedVars {
		drop[v] = true
	}
	if isEditor {
		for _, v := range editorVars {
			drop[v] = true
		}
	}

	hasPath := false
	out := make([]string, 0, len(envp)+1)
	for _, kv := range envp {
		key := kv
		if eq := indexByte(kv, '='); eq >= 0 {
			key = kv[:eq]
		}
		if drop[key] {
			continue
		}
		if key == "PATH" {
			hasPath = true
		}
		out = append(out, kv)
	}
	if !hasPath {
		out = append(out, "PATH="+SecurePath)
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// targetEnv sets HOME/USER/LOGNAME from the target's passwd record.
func targetEnv(envp []string, target model.TargetIdentity) []string {
	u, err := user.LookupId(strconv.FormatUint(uint64(target.UID), 10))
	home := "/"
	if err == nil && u.HomeDir != "" {
		home = u.HomeDir
	}
	out := append([]string{}, envp...)
	out = append(out, "HOME="+home, "USER="+target.User, "LOGNAME="+target.User)
	return out
}

// credential builds the child's privilege-drop instruction. The Go
// runtime applies it as supplementary groups, then primary group,
// then uid, failing the fork atomically if any step errors, so no
// command ever runs with a partially changed identity.
func credential(target model.TargetIdentity) *syscall.Credential {
	return &syscall.Credential{
		Uid:    target.UID,
		Gid:    target.GID,
		Groups: nil, // populated by the caller via SupplementaryGroups
	}
}

// Run executes a single command descriptor under the target identity.
func (e *Executor) Run(ctx context.Context, desc model.CommandDescriptor, target model.TargetIdentity, supplementaryGroups []uint32, isEditor bool) (Result, error) {
	path, err := e.lookPath(desc.Argv[0])
	if err != nil {
		return Result{}, err
	}

	env := sanitizeEnv(desc.Envp, isEditor)
	env = targetEnv(env, target)

	cred := credential(target)
	cred.Groups = supplementaryGroups

	var stdin, stdout, stderr *os.File
	if desc.StdinPath != "" {
		f, err := os.Open(desc.StdinPath)
		if err != nil {
			return Result{}, fmt.Errorf("executor: stdin redirection: %w", err)
		}
		defer f.Close()
		stdin = f
	}
	if desc.StdoutPath != "" {
		flags := os.O_WRONLY | os.O_CREATE
		if desc.StdoutAppend {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(desc.StdoutPath, flags, 0600)
		if err != nil {
			return Result{}, fmt.Errorf("executor: stdout redirection: %w", err)
		}
		defer f.Close()
		stdout = f
	}
	if desc.StderrPath != "" {
		f, err := os.OpenFile(desc.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return Result{}, fmt.Errorf("executor: stderr redirection: %w", err)
		}
		defer f.Close()
		stderr = f
	}

	restore := prepareChildDefaults()
	defer restore()

	pid, err := forkExec(path, desc.Argv, env, cred, stdin, stdout, stderr)
	if err != nil {
		return Result{}, fmt.Errorf("executor: fork/exec: %w", err)
	}
	if e.OnChildStart != nil {
		e.OnChildStart(pid)
	}

	return waitFor(pid)
}

// RunPipeline executes a pipeline descriptor: n-1 pipes, n children.
// Stages run concurrently; errgroup supervises the per-stage wait
// goroutines.
func (e *Executor) RunPipeline(ctx context.Context, desc model.PipelineDescriptor, target model.TargetIdentity, supplementaryGroups []uint32) (Result, error) {
	n := len(desc.Stages)
	if n == 0 {
		return Result{}, errors.New("executor: empty pipeline")
	}
	if n == 1 {
		return e.Run(ctx, desc.Stages[0], target, supplementaryGroups, false)
	}

	pipes := make([][2]int, n-1)
	for i := range pipes {
		fds := make([]int, 2)
		if err := unix.Pipe2(fds, unix.O_CLOEXEC); err != nil {
			return Result{}, fmt.Errorf("executor: pipe: %w", err)
		}
		pipes[i] = [2]int{fds[0], fds[1]}
	}

	cred := credential(target)
	cred.Groups = supplementaryGroups

	restore := prepareChildDefaults()
	defer restore()

	pids := make([]int, n)
	for i, stage := range desc.Stages {
		path, err := e.lookPath(stage.Argv[0])
		if err != nil {
			return Result{}, err
		}
		env := targetEnv(sanitizeEnv(stage.Envp, false), target)

		var stdin, stdout *os.File
		if i > 0 {
			stdin = os.NewFile(uintptr(pipes[i-1][0]), "pipe-r")
		}
		if i < n-1 {
			stdout = os.NewFile(uintptr(pipes[i][1]), "pipe-w")
		} else if stage.StdoutPath != "" {
			flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			if stage.StdoutAppend {
				flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
			}
			f, err := os.OpenFile(stage.StdoutPath, flags, 0600)
			if err != nil {
				return Result{}, fmt.Errorf("executor: pipeline stdout redirection: %w", err)
			}
			defer f.Close()
			stdout = f
		}

		pid, err := forkExec(path, stage.Argv, env, cred, stdin, stdout, nil)
		if err != nil {
			return Result{}, fmt.Errorf("executor: pipeline stage %d: %w", i, err)
		}
		if e.OnChildStart != nil {
			e.OnChildStart(pid)
		}
		pids[i] = pid
	}

	// Parent closes every pipe end; children hold their own dup'd copies.
	for _, p := range pipes {
		unix.Close(p[0])
		unix.Close(p[1])
	}

	var g errgroup.Group
	results := make([]Result, n)
	for i, pid := range pids {
		i, pid := i, pid
		g.Go(func() error {
			r, err := waitFor(pid)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("executor: pipeline stage wait failed")
	}

	// The pipeline's overall status is the last stage's, matching
	// ordinary shell pipeline semantics.
	return results[n-1], nil
}

func (e *Executor) lookPath(name string) (string, error) {
	if e.LookPath != nil {
		return e.LookPath(name)
	}
	return defaultLookPath(name)
}

// forkExec forks a child wired to the given stdio files, with signal
// handlers reset to defaults, supplementary groups/gid/uid set before
// exec, and every descriptor above the three standard streams
// closed. syscall.ForkExec applies the Credential in the required
// order; a failure at any stage is fatal to the child only.
func forkExec(path string, argv, envp []string, cred *syscall.Credential, stdin, stdout, stderr *os.File) (int, error) {
	files := []uintptr{0, 1, 2}
	if stdin != nil {
		files[0] = stdin.Fd()
	}
	if stdout != nil {
		files[1] = stdout.Fd()
	}
	if stderr != nil {
		files[2] = stderr.Fd()
	}

	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Env:   envp,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Credential: cred,
			Setsid:     false,
		},
	})
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// prepareChildDefaults forces umask 022 and disables core dumps
// (RLIMIT_CORE=0) before forking.8; returns a restore func for
// the parent's own umask/rlimit.
func prepareChildDefaults() func() {
	oldMask := unix.Umask(0022)

	var oldLimit unix.Rlimit
	_ = unix.Getrlimit(unix.RLIMIT_CORE, &oldLimit)
	_ = unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})

	return func() {
		unix.Umask(oldMask)
		_ = unix.Setrlimit(unix.RLIMIT_CORE, &oldLimit)
	}
}

// waitFor waits with EINTR retry and encodes signal termination as
// 128+signal.
func waitFor(pid int) (Result, error) {
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(pid, &ws, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		break
	}

	if ws.Signaled() {
		sig := int(ws.Signal())
		return Result{ExitStatus: 128 + sig, Signaled: true, Signal: sig}, nil
	}
	return Result{ExitStatus: ws.ExitStatus()}, nil
}

// QuietSignals are the interactive signals whose termination message
// the Session Controller suppresses.
var QuietSignals = map[int]bool{
	int(unix.SIGINT):  true,
	int(unix.SIGPIPE): true,
	int(unix.SIGTERM): true,
}
