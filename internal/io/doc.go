// Package ioutils provides file system utilities for the background
// downloader.
//
// This package contains functions for:
//   - Checking that a finished download is still on disk
//   - Moving a temporary download into its final location
//   - Filename sanitization for cross-platform compatibility
//   - Directory creation
//
// # File Operations
//
//	// Does the provider's temp file still exist?
//	if ioutils.FileExists(tempPath) { ... }
//
//	// Move it into place, copying across devices when rename fails
//	err := ioutils.MoveFile(ctx, tempPath, "/downloads/file.bin")
//
//	// Ensure directory exists
//	err := ioutils.EnsureDir("/path/to/new/directory")
//
// # Filename Sanitization
//
// Use SanitizeFileName to remove invalid characters from filenames:
//
//	safe := ioutils.SanitizeFileName("Song: Part 1/2") // Returns "Song_ Part 1_2"
//
// FileNameFromURL derives a safe local name from a download URL.
package ioutils
