// errors_unix.go: Resource-exhaustion detection for Unix-like systems
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package cellary

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isResourceExhausted reports whether err is a disk-full or quota condition.
func isResourceExhausted(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}
