package errors

import stderrors "errors"

// Re-exported so callers importing this package under its own name still reach
// the standard helpers.
var (
	Is   = stderrors.Is
	As   = stderrors.As
	Join = stderrors.Join
)
