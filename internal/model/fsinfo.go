// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the FSInfo struct, which stores file system metadata.
//
// The file path connects a parsed block back to its physical source on disk,
// so validation errors can name the file a bad definition came from.
package model

import "fmt"

type FSInfo struct {
	FilePath string
}

func NewFSInfo(filePath string) *FSInfo {
	return &FSInfo{
		FilePath: filePath,
	}
}

// where formats a block reference for error messages.
func (f *FSInfo) where(kind, name string) string {
	if f == nil || f.FilePath == "" {
		return fmt.Sprintf("%s '%s'", kind, name)
	}
	return fmt.Sprintf("%s '%s' (%s)", kind, name, f.FilePath)
}
