// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Process exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitRejected = 3
)

// commandError carries the exit code a failed command should produce.
type commandError struct {
	code int
	err  error
}

// Error implements the error interface.
func (e *commandError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *commandError) Unwrap() error {
	return e.err
}

// silent reports whether the command already printed its outcome.
func (e *commandError) silent() bool {
	return e.err == nil
}

// exitCode prints err and returns the code main should exit with.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *commandError
	if errors.As(err, &ce) {
		if !ce.silent() {
			printError(ce)
		}
		return ce.code
	}
	printError(err)
	return exitFailure
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
}
