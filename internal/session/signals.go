package session

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// CancelToken is a cooperative-cancellation token inspected at loop
// boundaries and suspension points.
type CancelToken struct {
	interrupted int32
	clearLine   int32
}

func (c *CancelToken) SetInterrupted()      { atomic.StoreInt32(&c.interrupted, 1) }
func (c *CancelToken) Interrupted() bool    { return atomic.LoadInt32(&c.interrupted) == 1 }
func (c *CancelToken) RequestClearLine()    { atomic.StoreInt32(&c.clearLine, 1) }
func (c *CancelToken) TakeClearLine() bool {
	return atomic.CompareAndSwapInt32(&c.clearLine, 1, 0)
}

// SignalRouter implements the session's signal table:
//   - SIGINT: forwarded to the running child, or clears the input
//     line when no child is running (never terminates the session).
//   - SIGTSTP: ignored.
//   - SIGTERM/SIGQUIT: set CancelToken.Interrupted, causing the main
//     loop to exit after cleanup.
//   - SIGHUP/SIGPIPE: ignored.
type SignalRouter struct {
	Token *CancelToken

	// CurrentChildPID, if > 0, names the foreground child process to
	// forward SIGINT to.
	CurrentChildPID func() int

	ch chan os.Signal
}

func NewSignalRouter(token *CancelToken, currentChildPID func() int) *SignalRouter {
	return &SignalRouter{Token: token, CurrentChildPID: currentChildPID, ch: make(chan os.Signal, 8)}
}

// Start installs the signal table and begins routing in a goroutine.
// Returns a stop function.
func (r *SignalRouter) Start() func() {
	signal.Notify(r.ch, unix.SIGINT, unix.SIGTSTP, unix.SIGTERM, unix.SIGQUIT, unix.SIGHUP, unix.SIGPIPE)
	done := make(chan struct{})
	go r.loop(done)
	return func() {
		signal.Stop(r.ch)
		close(done)
	}
}

func (r *SignalRouter) loop(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-r.ch:
			r.handle(sig)
		}
	}
}

func (r *SignalRouter) handle(sig os.Signal) {
	switch sig {
	case unix.SIGINT:
		if pid := r.CurrentChildPID(); pid > 0 {
			_ = unix.Kill(pid, unix.SIGINT)
			return
		}
		r.Token.RequestClearLine()
	case unix.SIGTSTP:
		// ignored
	case unix.SIGTERM, unix.SIGQUIT:
		r.Token.SetInterrupted()
	case unix.SIGHUP, unix.SIGPIPE:
		// ignored
	}
}
