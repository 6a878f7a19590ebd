// Package xsync contains concurrency helpers.
package xsync

import "fmt"

// Go runs fn in a goroutine and returns a buffered channel that will
// receive its error. A panic inside fn is recovered and surfaced as an
// error instead of taking the process down.
func Go(fn func() error) <-chan error {
	errs := make(chan error, 1)
	go func() {
		defer func() {
			r := recover()
			if r != nil {
				select {
				case errs <- fmt.Errorf("panic in go fn: %v", r):
				default:
				}
			}
		}()
		errs <- fn()
	}()
	return errs
}
