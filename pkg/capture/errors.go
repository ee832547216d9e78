package capture

import "errors"

var (
	errWriteFailed      = errors.New("capture write failed")
	errDispatchTimeout  = errors.New("capture dispatch timed out")
	errActivationFailed = errors.New("capture activation failed")
	errUnknownCommand   = errors.New("unknown capture command")
	errWriterClosed     = errors.New("capture writer closed")
)
