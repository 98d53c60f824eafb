package config

import "errors"

// ErrConfiguration marks every error that must stop the process before
// streaming starts. Callers wrap it with the violated contract.
var ErrConfiguration = errors.New("configuration error")
