package reasoning

import "errors"

var (
	// ErrUnparsable means model output could not be decoded as the
	// expected JSON schema, even after lenient extraction.
	ErrUnparsable = errors.New("unparsable model output")

	// ErrCancelled is a cooperative abort. It propagates to the caller
	// without retry and without persisting a reasoning trace.
	ErrCancelled = errors.New("reasoning cancelled")

	// ErrInvalidPlan rejects a plan whose steps reference dependencies
	// that are not strictly earlier in the step order.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrUnmetDependency marks a step whose referenced prior result is
	// missing at execution time. The step fails softly.
	ErrUnmetDependency = errors.New("unmet step dependency")

	// ErrUnparsablePlan is the hard failure of the planning phase after
	// both parse attempts.
	ErrUnparsablePlan = errors.New("unparsable plan")
)
