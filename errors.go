package gal

import (
	"errors"
	"fmt"

	"github.com/gogpu/gal/gpucore"
)

// Sentinel errors. Typed errors below match them with errors.Is.
var (
	// ErrDeviceCreation is matched by every *DeviceCreationError.
	ErrDeviceCreation = errors.New("gal: device creation failed")

	// ErrNoAdapter is returned when no adapter matches the request.
	ErrNoAdapter = errors.New("gal: no suitable adapter")

	// ErrNoQueueFamily is returned when the adapter exposes no queues.
	ErrNoQueueFamily = errors.New("gal: no queue family")

	// ErrQueueUnavailable is matched by every *QueueUnavailableError.
	ErrQueueUnavailable = errors.New("gal: queue unavailable")

	// ErrPipelineCreation is matched by every *PipelineCreationError.
	ErrPipelineCreation = errors.New("gal: pipeline creation failed")

	// ErrShaderCompile is matched by every *ShaderCompileError.
	ErrShaderCompile = errors.New("gal: shader compilation failed")

	// ErrAllocation is matched by every *AllocationError.
	ErrAllocation = errors.New("gal: allocation failed")

	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("gal: device closed")

	// ErrFrameTimeout is returned by FrameRing.Begin when the previous
	// use of a frame did not complete within the fence timeout.
	ErrFrameTimeout = errors.New("gal: frame fence timeout")
)

// DeviceCreationError reports why Open failed.
type DeviceCreationError struct {
	Backend string
	Adapter string
	Err     error
}

func (e *DeviceCreationError) Error() string {
	switch {
	case e.Adapter != "":
		return fmt.Sprintf("gal: create device on %s (%s): %v", e.Adapter, e.Backend, e.Err)
	case e.Backend != "":
		return fmt.Sprintf("gal: create device (%s): %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("gal: create device: %v", e.Err)
}

func (e *DeviceCreationError) Unwrap() error { return e.Err }

func (e *DeviceCreationError) Is(target error) bool { return target == ErrDeviceCreation }

// QueueUnavailableError is returned when a queue family has no free queue
// or does not exist.
type QueueUnavailableError struct {
	Family gpucore.FamilyID
	Count  int // queues the family was opened with, 0 if unknown
}

func (e *QueueUnavailableError) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("gal: queue family %d not available", e.Family)
	}
	return fmt.Sprintf("gal: all %d queues of family %d are taken", e.Count, e.Family)
}

func (e *QueueUnavailableError) Is(target error) bool { return target == ErrQueueUnavailable }

// PipelineCreationError reports why a pipeline could not be built.
type PipelineCreationError struct {
	Label  string
	Reason string
	Err    error // backend error, if any
}

func (e *PipelineCreationError) Error() string {
	msg := fmt.Sprintf("gal: pipeline %q: %s", e.Label, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineCreationError) Unwrap() error { return e.Err }

func (e *PipelineCreationError) Is(target error) bool { return target == ErrPipelineCreation }

// ShaderCompileError carries the compiler diagnostic of a failed shader.
type ShaderCompileError struct {
	Label      string
	Kind       ShaderKind
	Diagnostic string
	Err        error
}

func (e *ShaderCompileError) Error() string {
	return fmt.Sprintf("gal: compile %s shader %q: %s", e.Kind, e.Label, e.Diagnostic)
}

func (e *ShaderCompileError) Unwrap() error { return e.Err }

func (e *ShaderCompileError) Is(target error) bool { return target == ErrShaderCompile }

// AllocationError reports a failed object creation on the device.
type AllocationError struct {
	Kind  gpucore.ObjectKind
	Label string
	Err   error
}

func (e *AllocationError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("gal: allocate %s %q: %v", e.Kind, e.Label, e.Err)
	}
	return fmt.Sprintf("gal: allocate %s: %v", e.Kind, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

func allocErr(kind gpucore.ObjectKind, label string, err error) error {
	return &AllocationError{Kind: kind, Label: label, Err: err}
}

// Fault is the panic value for protocol violations: recording outside the
// Recording state, using a released object, waiting on a semaphore nobody
// signals. Faults are programming errors and are never returned.
type Fault struct {
	Op  string
	Msg string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("gal: %s: %s", f.Op, f.Msg)
}

// fault panics with a *Fault.
func fault(op, format string, args ...any) {
	panic(&Fault{Op: op, Msg: fmt.Sprintf(format, args...)})
}
