package notify

import "errors"

var (
	ErrNoToken     = errors.New("telegram token is empty")
	ErrSendTimeout = errors.New("notification send timed out")
)
