// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package focus

import (
	"errors"
	"fmt"
)

// Status tracks which rebalance criteria are up to date for the current
// topology. Counts and MAC flags are independent bits; the tree may only be
// rebalanced when both are set.
type Status uint8

const (
	Invalid         Status = 0
	CountsCriterion Status = 1
	MacCriterion    Status = 2
	Valid           Status = CountsCriterion | MacCriterion
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case CountsCriterion:
		return "counts"
	case MacCriterion:
		return "mac"
	case Valid:
		return "valid"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// IsValid reports whether both criteria are current.
func (s Status) IsValid() bool { return s == Valid }

func (s *Status) invalidate()    { *s = Invalid }
func (s *Status) markCounts()    { *s |= CountsCriterion }
func (s *Status) markMacs()      { *s |= MacCriterion }
func (s Status) hasCounts() bool { return s&CountsCriterion != 0 }

var (
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("focused octree in invalid state")

	// ErrFlagsNotAllocated is returned when flags are accumulated into an
	// array that does not match the current tree.
	ErrFlagsNotAllocated = errors.New("flag array does not match tree")

	// ErrUnsortedKeys is returned for particle keys that are not sorted.
	ErrUnsortedKeys = errors.New("particle keys are not sorted")

	// ErrKeysOutsideAssignment is returned for particle keys outside the
	// rank's assigned range.
	ErrKeysOutsideAssignment = errors.New("particle keys outside assignment")

	// ErrNotConverged is returned when Converge exceeds its round limit.
	ErrNotConverged = errors.New("focused octree did not converge")

	// ErrLayoutMismatch is returned when particle arrays do not match the
	// counts of the owned leaves.
	ErrLayoutMismatch = errors.New("particle layout mismatch")
)
