package shared

import "errors"

// ErrLockBusy is returned when a distributed lock is still held after the wait budget.
var ErrLockBusy = errors.New("lock busy")
