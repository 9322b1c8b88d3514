package kernelerr

// KernelError tags a fatal error with the module that raised it, mirroring
// gopher-os's kernel.Error (Module, Message fields standing in for an
// allocation-free error value).
type KernelError struct {
	Module  string
	Message string
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	return "[" + e.Module + "] " + e.Message
}

// ErrUnimplemented is returned by attribute/reverse-mapping operations that
// the source kernel declares but never implements (is_modified, page_setprot,
// ...). It is a distinct sentinel rather than a silent no-op so that callers
// and tests can tell "not yet built" apart from "ran and found nothing".
func ErrUnimplemented(module, op string) *KernelError {
	return &KernelError{Module: module, Message: op + " is not implemented"}
}

// Panic aborts the current goroutine with err. It is the analogue of
// gopher-os's kernel.Panic / the C source's panic(): a single funnel point
// for every fatal condition this module raises (recursion depth exceeded,
// use-before-init, destroying a pmap with live leaves, ...).
func Panic(err error) {
	panic(err)
}

// Assert panics with a *KernelError tagged by module if cond is false. It
// is the Go analogue of the C source's bug_on(cond, msg).
func Assert(module string, cond bool, msg string) {
	if !cond {
		Panic(&KernelError{Module: module, Message: msg})
	}
}

// ErrUnimplementedOrClosed is raised by double-Close on an arena or cache,
// a programming error rather than a runtime condition callers should
// recover from.
func ErrUnimplementedOrClosed() *KernelError {
	return &KernelError{Module: "physmem", Message: "arena already closed"}
}

// ErrNoArena is returned by physmem.Dmap when no arena has been installed
// via physmem.SetActive yet (use before bootstrap step 1).
func ErrNoArena() *KernelError {
	return &KernelError{Module: "physmem", Message: "no active arena installed"}
}
