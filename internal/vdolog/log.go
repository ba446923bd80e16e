// Package vdolog provides one prefixed logger per zone kind, following the
// ad hoc log.Printf-with-context-string convention of torua's
// cmd/*/main.go files, but centralized so every component gets a
// consistent prefix instead of rolling its own.
package vdolog

import (
	"io"
	"log"
	"os"
)

// Output is the writer every logger constructed by this package writes to.
// Tests may redirect it to capture log output.
var Output io.Writer = os.Stderr

// New returns a logger prefixed with the given zone or component name, e.g.
// New("journal") logs lines beginning "[journal] ".
func New(name string) *log.Logger {
	return log.New(Output, "["+name+"] ", log.LstdFlags|log.Lmicroseconds)
}
