//go:build !unix

package ratelimit

import "os"

// Without flock only the in-process stripe lock applies.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
