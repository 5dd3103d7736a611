//go:build !unix

package transport

import "os"

// Without flock the in-process mutex is the only guard; running both nodes
// as separate processes on such platforms may interleave queue rewrites.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
