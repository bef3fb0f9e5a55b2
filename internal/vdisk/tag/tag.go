// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized access to the request tag counter.
package tag

import (
	"sync"
)

var (
	tag   uint64
	mutex sync.Mutex
)

// Returns the last assigned tag. Zero means no tag was assigned yet and is
// never handed out by Next().
func Current() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	return tag
}

// Returns a fresh tag. Tags are unique for the lifetime of the process unless
// Replace() moves the counter back.
func Next() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	tag++
	if tag == 0 {
		tag++
	}

	return tag
}

// Replaces the value of the last assigned tag.
func Replace(newTag uint64) {
	mutex.Lock()
	defer mutex.Unlock()

	tag = newTag
}
