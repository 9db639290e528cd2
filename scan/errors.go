package scan

import "errors"

// ErrAlreadyActive is returned by ScanRange when a scan is already running.
var ErrAlreadyActive = errors.New("scan: already active")
