// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/asch/vdisk/internal/errs"
)

// ChunkMap records which chunks of the disk were ever written and hence
// exist as objects. Chunks missing from the map read as zeros without
// asking the backend.
//
// The structure is serialized by gobs hence it has to be exported and all
// its attributes as well.
type ChunkMap struct {
	ChunkSize int64
	Chunks    int64
	Present   map[int64]struct{}

	mu sync.Mutex
}

// NewChunkMap returns an empty map for a disk of size bytes.
func NewChunkMap(size, chunkSize int64) *ChunkMap {
	return &ChunkMap{
		ChunkSize: chunkSize,
		Chunks:    (size + chunkSize - 1) / chunkSize,
		Present:   make(map[int64]struct{}),
	}
}

func (m *ChunkMap) Has(chunk int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.Present[chunk]
	return ok
}

func (m *ChunkMap) Mark(chunk int64) {
	m.mu.Lock()
	m.Present[chunk] = struct{}{}
	m.mu.Unlock()
}

// Len returns the number of present chunks.
func (m *ChunkMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Present)
}

// Serialize returns the map encoded with gobs.
func (m *ChunkMap) Serialize() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Deserialize restores the map from buf produced by Serialize. The disk may
// have been resized since, chunks past the current end are dropped. A
// checkpoint written with a different chunk size cannot be used.
func (m *ChunkMap) Deserialize(buf []byte) error {
	var saved ChunkMap
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&saved); err != nil {
		return fmt.Errorf("%w: chunk map checkpoint: %v", errs.ErrIoDevice, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if saved.ChunkSize != m.ChunkSize {
		return fmt.Errorf("%w: checkpoint chunk size %d, configured %d",
			errs.ErrInvalidParameter, saved.ChunkSize, m.ChunkSize)
	}

	for k := range saved.Present {
		if k < m.Chunks {
			m.Present[k] = struct{}{}
		}
	}

	return nil
}
