package core

// Guard runs a caller-supplied cleanup action unless Dismiss is called
// first, the Go shape of base/on_destroy.h's TOnDestroy: New builds a
// pending rollback, a successful init path calls Dismiss, and an early
// return lets the deferred Close run it. Used throughout Dory's startup
// sequence, where a later step failing must unwind everything opened by
// the steps before it.
type Guard struct {
	action  func()
	dismissed bool
}

// NewGuard returns a Guard that will run action when Close is called,
// unless Dismiss runs first. Typical use:
//
//	ln, err := net.Listen(...)
//	if err != nil { return err }
//	g := NewGuard(func() { ln.Close() })
//	defer g.Close()
//	...
//	g.Dismiss() // startup succeeded; ln now outlives this function
func NewGuard(action func()) *Guard {
	return &Guard{action: action}
}

// Dismiss cancels the guard: its action will not run.
func (g *Guard) Dismiss() {
	g.dismissed = true
}

// Close runs the guarded action unless Dismiss was already called. Safe
// to defer immediately after NewGuard.
func (g *Guard) Close() {
	if !g.dismissed && g.action != nil {
		g.action()
	}
}
