package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Fault codes, per §4.6/§7 of the runtime contract.
const (
	FaultBadMagic         = 10001
	FaultBadValueRecord   = 10002
	FaultBadInstruction   = 10003
	FaultHostIndexInvalid = 20001
)

// Fault is the VM's single typed failure: a numeric code plus a message,
// with an optional source location. Raised at load time (image format
// problems) or at run time (CALLSYS with an out-of-range host index).
// Every other runtime irregularity (float divide by zero, array OOB, string
// parse failure) is swallowed per §7 rather than raised as a Fault; integer
// division or remainder by zero panics instead.
type Fault struct {
	Code     int
	Message  string
	Filename string
	Line     int
}

func (f *Fault) Error() string {
	if f.Filename != "" {
		return fmt.Sprintf("[%d] %s (%s:%d)", f.Code, f.Message, f.Filename, f.Line)
	}
	return fmt.Sprintf("[%d] %s", f.Code, f.Message)
}

// newFault wraps a Fault with github.com/pkg/errors so that callers which
// only care about the underlying code/message can still type-assert with
// errors.As, while the stack frame where the fault originated is preserved
// for diagnostics (errors.Cause / "%+v").
func newFault(code int, message string) error {
	return errors.WithStack(&Fault{Code: code, Message: message})
}

func newFaultf(code int, format string, args ...any) error {
	return newFault(code, fmt.Sprintf(format, args...))
}

// AsFault extracts the Fault from an error produced by this package, if any.
func AsFault(err error) (*Fault, bool) {
	if err == nil {
		return nil, false
	}
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// FaultCode returns the fault code carried by err, or 0 if err is not (or
// does not wrap) a Fault.
func FaultCode(err error) int {
	if f, ok := AsFault(err); ok {
		return f.Code
	}
	return 0
}
