// Package errd implements deferred error wrapping.
package errd

import "fmt"

// Wrap wraps the error pointed to by err with fmt.Errorf if it is non nil.
// Intended for use with defer and a named error return.
// Inspired by https://github.com/golang/go/issues/32676
func Wrap(err *error, f string, v ...interface{}) {
	if *err != nil {
		*err = fmt.Errorf(f+": %w", append(v, *err)...)
	}
}
