// errors_windows.go: Resource-exhaustion detection for Windows
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

//go:build windows

package cellary

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isResourceExhausted reports whether err is a disk-full or quota condition.
func isResourceExhausted(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL) ||
		errors.Is(err, windows.ERROR_HANDLE_DISK_FULL) ||
		errors.Is(err, windows.ENOSPC)
}
