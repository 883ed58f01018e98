// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the in-process path-set locks that serialize
// overlapping transactions and the cross-process workspace lock that
// guards the commit phase against a second daemon on the same tree.
package lock

import "errors"

var (
	// ErrFileLocked is returned when a workspace lock is held by another process.
	ErrFileLocked = errors.New("file is locked by another process")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNotHeld is returned when releasing a lock that is not held.
	ErrNotHeld = errors.New("lock not held")
)
