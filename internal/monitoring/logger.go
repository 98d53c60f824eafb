// Package monitoring holds the process-wide diagnostic logger and the
// Prometheus metrics shared by the acquisition and dispatch stages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger used by leaf packages that do
// not carry their own log streams. It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. nil installs a no-op.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
