package lfs

import (
	"fmt"
	"strings"
)

// FailedOperation is implemented by every error that crosses a file system
// operation boundary.
type FailedOperation interface {
	error
	FailedOperation() *FailedOperationError
}

// FailedOperationError reports a failed operation on a file system entity.
type FailedOperationError struct {
	EntityType EntityType

	// GlobalFileSystemNumber is InvalidNumber when not applicable.
	GlobalFileSystemNumber uint32

	// TargetDeviceID is empty when the target is not real hardware.
	TargetDeviceID string

	Err error
}

func (e *FailedOperationError) FailedOperation() *FailedOperationError { return e }

func (e *FailedOperationError) Unwrap() error { return e.Err }

func (e *FailedOperationError) Error() string {
	var b strings.Builder
	b.WriteString("lfs: operation on ")
	e.describe(&b)
	b.WriteString(" failed")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FailedOperationError) describe(b *strings.Builder) {
	b.WriteString(e.EntityType.String())
	if e.GlobalFileSystemNumber != InvalidNumber {
		fmt.Fprintf(b, " %d", e.GlobalFileSystemNumber)
	}
	if e.TargetDeviceID != "" {
		fmt.Fprintf(b, " on device %s", e.TargetDeviceID)
	}
}

// WrapIfNeeded returns err unchanged if it already is a FailedOperation, otherwise
// it wraps err in a new *FailedOperationError.
func WrapIfNeeded(err error, entityType EntityType, gfn uint32, targetDeviceID string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(FailedOperation); ok {
		return err
	}
	return &FailedOperationError{
		EntityType:             entityType,
		GlobalFileSystemNumber: gfn,
		TargetDeviceID:         targetDeviceID,
		Err:                    err,
	}
}

// InconsistentFileSystemError reports a reference that does not resolve against the
// live tables, or two views of the file system that disagree.
type InconsistentFileSystemError struct {
	FailedOperationError
	Reason string
}

func (e *InconsistentFileSystemError) Error() string {
	var b strings.Builder
	b.WriteString("lfs: inconsistent file system: ")
	e.describe(&b)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func inconsistent(t EntityType, gfn uint32, deviceID string, format string, args ...any) *InconsistentFileSystemError {
	return &InconsistentFileSystemError{
		FailedOperationError: FailedOperationError{
			EntityType:             t,
			GlobalFileSystemNumber: gfn,
			TargetDeviceID:         deviceID,
		},
		Reason: fmt.Sprintf(format, args...),
	}
}

// IncompatibleRomError reports a program that is locked to a different device.
type IncompatibleRomError struct {
	FailedOperationError
	RequiredDeviceID string
	ActualDeviceID   string
}

func (e *IncompatibleRomError) Error() string {
	actual := e.ActualDeviceID
	if actual == "" {
		actual = "a simulated target"
	}
	return fmt.Sprintf("lfs: incompatible ROM: requires device %s but target is %s", e.RequiredDeviceID, actual)
}

// CheckRomCompatibility fails if the program requires a device other than actualDeviceID.
// An empty requiredDeviceID runs anywhere.
func CheckRomCompatibility(requiredDeviceID, actualDeviceID string, entityType EntityType, gfn uint32) error {
	if requiredDeviceID == "" || strings.EqualFold(requiredDeviceID, actualDeviceID) {
		return nil
	}
	return &IncompatibleRomError{
		FailedOperationError: FailedOperationError{
			EntityType:             entityType,
			GlobalFileSystemNumber: gfn,
			TargetDeviceID:         actualDeviceID,
		},
		RequiredDeviceID: requiredDeviceID,
		ActualDeviceID:   actualDeviceID,
	}
}

// UnsupportedForkKindError reports a fork kind this build cannot interpret.
type UnsupportedForkKindError struct {
	Kind ForkKind
}

func (e *UnsupportedForkKindError) Error() string {
	return fmt.Sprintf("lfs: unsupported fork kind %d", uint8(e.Kind))
}
