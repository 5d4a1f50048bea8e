package pano

import "fmt"

// GeometryError reports malformed or empty input geometry, or a reprojection
// that produced unusable coordinates. It aborts a run before the ledger is touched.
type GeometryError struct {
	Op  string
	Err error
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry %s: %v", e.Op, e.Err)
}

func (e *GeometryError) Unwrap() error { return e.Err }

func geometryErrorf(op, format string, args ...interface{}) *GeometryError {
	return &GeometryError{Op: op, Err: fmt.Errorf(format, args...)}
}

// PersistenceError reports a persisted file that exists but cannot be read in
// the expected shape. Prior sequence ids cannot be trusted, so it is fatal.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisted state %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceErrorf(path, format string, args ...interface{}) *PersistenceError {
	return &PersistenceError{Path: path, Err: fmt.Errorf(format, args...)}
}

// SkipReason labels inputs that are logged and skipped rather than failed.
type SkipReason string

const (
	SkipNonLineGeometry SkipReason = "non_line_geometry"
	SkipEmptyGeometry   SkipReason = "empty_geometry"
	SkipZeroLengthLine  SkipReason = "zero_length_line"
	SkipDuplicateLine   SkipReason = "duplicate_line"
	SkipIncompleteGroup SkipReason = "incomplete_group"
	SkipUnreadableImage SkipReason = "unreadable_image"
	SkipAlreadyCaptured SkipReason = "already_captured"
	SkipAlreadyStitched SkipReason = "already_stitched"
)
