// Package taxonomy declares the stable error categories surfaced by the
// daemon to its callers. Every category is a sentinel or a small
// constructor so call sites can compare with errors.Is/errors.As without
// caring how a lower layer phrased the message.
package taxonomy

import (
	"errors"
	"fmt"
)

var (
	ErrBadFunctionName       = errors.New("entry function not present in bytecode")
	ErrDispatcherNotRequired = errors.New("operation is dispatcher-only, program is single-attach")
	ErrTooManyPrograms       = errors.New("too many programs: dispatcher slot capacity exceeded")
	ErrBadAttachPoint        = errors.New("malformed attach point")
	ErrProbeKindMismatch     = errors.New("requested probe kind disagrees with kernel-loaded probe kind")
	ErrBytecodeMetadataMismatch = errors.New("image-declared program name disagrees with user-declared name")
	ErrBytecodeFetchFailure  = errors.New("image manager failed to produce bytecode")
	ErrOwnerNotFound         = errors.New("map owner not found")
	ErrLockContention        = errors.New("could not acquire persistent store within retry budget")
	ErrBadPullPolicy         = errors.New("invalid pull policy")
	ErrBadProgramType        = errors.New("invalid program type")
	ErrBadProceedOn          = errors.New("invalid proceed-on token")
	ErrBadDirection          = errors.New("invalid TC direction")
	ErrBadProbeType          = errors.New("invalid probe type")
	ErrProgramDeleteFailure  = errors.New("best-effort program cleanup failed")
	ErrProgramNotFound       = errors.New("program not found")
	ErrUnknownProgramKind    = errors.New("unknown program kind")
	ErrNotRunning            = errors.New("orchestrator is shutting down")
)

// ContainerAttachFailure reports that the cross-namespace uprobe helper
// failed to attach inside the target pid's mount namespace.
type ContainerAttachFailure struct {
	Pid int
	Err error
}

func ContainerAttachFailureErr(pid int, cause error) error {
	return &ContainerAttachFailure{Pid: pid, Err: cause}
}

func (e *ContainerAttachFailure) Error() string {
	return fmt.Sprintf("container-attach-failure(pid=%d): %v", e.Pid, e.Err)
}

func (e *ContainerAttachFailure) Unwrap() error { return e.Err }

// PinFailure reports that pinning a program, link, or map failed.
type PinFailure struct {
	Kind string // "program" | "link" | "map"
	Path string
	Err  error
}

func PinFailureErr(kind, path string, cause error) error {
	return &PinFailure{Kind: kind, Path: path, Err: cause}
}

func (e *PinFailure) Error() string {
	return fmt.Sprintf("pin-failure(%s %s): %v", e.Kind, e.Path, e.Err)
}

func (e *PinFailure) Unwrap() error { return e.Err }

// StoreFailure reports a persistent-store operation failure, naming the
// operation that failed so callers and logs can distinguish a failed Put
// from a failed ScanPrefix without parsing message text.
type StoreFailure struct {
	Op    string
	Cause error
}

func StoreFailureErr(op string, cause error) error {
	return &StoreFailure{Op: op, Cause: cause}
}

func (e *StoreFailure) Error() string {
	return fmt.Sprintf("store-failure(%s): %v", e.Op, e.Cause)
}

func (e *StoreFailure) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, taxonomy.ErrStoreFailure) style probes without
// needing to know the operation or cause.
var ErrStoreFailure = errors.New("persistent store operation failed")

func (e *StoreFailure) Is(target error) bool { return target == ErrStoreFailure }
func (e *PinFailure) Is(target error) bool   { return target == errPinFailureSentinel }
func (e *ContainerAttachFailure) Is(target error) bool {
	return target == errContainerAttachSentinel
}

var (
	errPinFailureSentinel      = errors.New("pin failure")
	errContainerAttachSentinel = errors.New("container attach failure")
)

// ErrPinFailure and ErrContainerAttachFailure are the comparison
// sentinels for the two parameterized error kinds above.
var (
	ErrPinFailure             = errPinFailureSentinel
	ErrContainerAttachFailure = errContainerAttachSentinel
)
