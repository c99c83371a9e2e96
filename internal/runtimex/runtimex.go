// Package runtimex contains [runtime] extensions.
package runtimex

import "fmt"

// Assert calls panic with the given message if the given statement is false.
func Assert(stmt bool, message any) {
	if !stmt {
		panic(message)
	}
}

// PanicOnError calls panic if the given error is not nil, wrapping it with the message.
func PanicOnError(err error, message string) {
	if err != nil {
		panic(fmt.Errorf("%s: %w", message, err))
	}
}
