// Package umderr defines the sentinel error kinds shared across the driver.
//
// Every fallible operation returns one of these wrapped with context via
// fmt.Errorf("...: %w", ErrX); callers compare with errors.Is.
package umderr

import "errors"

// Input-validation errors.
var (
	ErrInvalidBin           = errors.New("invalid binary")
	ErrUnknownBin           = errors.New("unknown binary format")
	ErrGraphVersionUnsup    = errors.New("unsupported graph version")
	ErrInvalidTensorID      = errors.New("invalid tensor id")
	ErrInvalidTensorType    = errors.New("invalid tensor type")
	ErrInvalidPartitionID   = errors.New("invalid partition id")
	ErrInvalidOp            = errors.New("invalid operation")
	ErrNotConfigShape       = errors.New("input shape not configured")
	ErrUnmatchOutShape      = errors.New("output shape does not match descriptor")
	ErrZeroTensorSize       = errors.New("tensor has a zero-sized dimension")
	ErrDMABufSharedIO       = errors.New("dma-buf index used for both input and output")
)

// Resource-exhaustion errors.
var (
	ErrBufAllocFail   = errors.New("buffer allocation failed")
	ErrAllocGridID    = errors.New("grid id allocation failed")
	ErrAllocGroupID   = errors.New("group id allocation failed")
	ErrTargetNotFound = errors.New("target device not found")
)

// Runtime errors.
var (
	ErrJobException    = errors.New("job raised a device exception")
	ErrSetShapeFailed  = errors.New("failed to set dynamic input shape")
	ErrOpenFileFail    = errors.New("failed to open file")
	ErrTimeout         = errors.New("operation timed out")
	ErrJobNotSchedAble = errors.New("job is not in a schedulable state")
	ErrJobOutstanding  = errors.New("job has outstanding hardware dispatch")
)
