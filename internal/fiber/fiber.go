// Package fiber provides the execution-transfer primitive underlying the
// cooperative scheduler. Each fiber is a goroutine that is parked on a
// private rendezvous channel; Switch hands the single execution token from
// one fiber to another, so at most one fiber in a runtime is ever running.
//
// This is the Go rendition of a register-save context switch: the Go
// scheduler saves and restores the full machine state (including any
// floating-point and vector registers) across the handoff, so unlike an
// assembly shim the switch contract here preserves all register state.
package fiber

// Mode is the value a parked fiber is resumed with. A fiber resumed with
// ModeAbort must unwind and terminate instead of continuing its work.
type Mode uint8

const (
	// ModeRun resumes the fiber for normal execution.
	ModeRun Mode = iota

	// ModeAbort instructs the resumed fiber to unwind and exit without
	// running further user code.
	ModeAbort
)

// Context holds the saved execution state of one fiber: the rendezvous
// channel it parks on while another fiber holds the execution token.
type Context struct {
	resume chan Mode
}

// NewContext creates a Context ready for Start or Switch. The rendezvous
// channel is unbuffered so a handoff is a strict synchronous transfer.
func NewContext() *Context {
	return &Context{
		resume: make(chan Mode),
	}
}

// Start prepares a fiber so that the first switch into it begins executing
// entry. The entry function receives the mode of the first resume: a fiber
// aborted before it ever ran observes ModeAbort and must terminate without
// doing its work. Start itself does not transfer control.
func Start(fc *Context, entry func(first Mode)) {
	go func() {
		entry(<-fc.resume)
	}()
}

// Switch transfers execution to the fiber owning to and parks the caller
// until it is itself resumed. The returned mode tells the caller whether it
// was resumed for normal execution or told to unwind.
func Switch(from, to *Context) Mode {
	to.resume <- ModeRun
	return <-from.resume
}

// SwitchAbort transfers execution to the fiber owning to, resuming it in
// abort mode, and parks the caller until the aborted fiber hands control
// back (normally via Hand on its way out).
func SwitchAbort(from, to *Context) Mode {
	to.resume <- ModeAbort
	return <-from.resume
}

// Hand transfers execution to the fiber owning to without parking the
// caller. It is the terminal switch a fiber performs on its way out of
// existence: after Hand returns the calling goroutine must do nothing but
// return.
func Hand(to *Context) {
	to.resume <- ModeRun
}
