package errutils

// Package errutils provides a set of utilities for working with errors in Go.

// Example:
//
// The following example demonstrates how to use `MultiError` to collect errors from several steps:
//
//     package main
//
//     import (
//         "fmt"
//         "oss.nandlabs.io/dispatch/errutils"
//     )
//
//     func main() {
//         errs := errutils.NewMultiErr(stepOne())
//         errs.Add(stepTwo())
//         if errs.HasErrors() {
//             fmt.Println(errs)
//         }
//     }
//
// In the above example, nil errors are skipped by `NewMultiErr` and `Add`, and the collected
// errors are printed one per line using `fmt.Println()`.
