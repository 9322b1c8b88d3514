// Package kernelerr provides the status-code and panic conventions shared
// across the kernel-adjacent packages in this module.
package kernelerr

import "fmt"

// Errno is a C-style status code: zero on success, positive on failure.
// Operations in internal/pmap and its collaborators return Errno instead
// of the idiomatic Go error interface, matching the calling convention of
// the kernel this module models (every fallible operation returns an
// integer status).
type Errno int32

// Recognized status codes. Names mirror the defs.Err_t conventions used
// throughout the originating kernel (ENOMEM, EINVAL, EFAULT, ...).
const (
	EOK     Errno = 0
	ENOMEM  Errno = 1
	EINVAL  Errno = 2
	EFAULT  Errno = 3
	EBUSY   Errno = 4
	ENOSYS  Errno = 5
)

var names = map[Errno]string{
	EOK:    "success",
	ENOMEM: "out of memory",
	EINVAL: "invalid argument",
	EFAULT: "bad address",
	EBUSY:  "resource busy",
	ENOSYS: "not implemented",
}

// Error implements the error interface so an Errno can be returned from
// call sites that expect one, without forcing every internal caller to
// wrap it.
func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// OK reports whether e represents success.
func (e Errno) OK() bool { return e == EOK }
