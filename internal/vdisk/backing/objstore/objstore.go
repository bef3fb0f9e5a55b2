// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objstore keeps a virtual disk in an object store. The disk is cut
// into fixed size chunks and every chunk which was ever written is one
// object keyed by its index. Partial chunk writes are read-modify-write.
// The map of present chunks is checkpointed into a dedicated object so it
// survives restarts.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/vdisk/internal/errs"
)

const (
	// Key of the object holding the serialized chunk map.
	checkpointKey = -1
)

// Options to use in New() function.
type Options struct {
	// Size of the disk in bytes.
	Size int64

	ChunkSize   int64
	Uploaders   int
	Downloaders int

	// Checkpoint restores the chunk map on open and stores it on Close.
	// Without it every chunk is looked up in the backend once.
	Checkpoint bool
}

// Store implements backing.Store on top of an ObjectStore.
type Store struct {
	proxy  *ObjectProxy
	chunks *ChunkMap
	opts   Options

	// Serializes read-modify-write cycles.
	writeLock sync.Mutex
}

// New opens the chunked disk stored in instance.
func New(ctx context.Context, instance ObjectStore, o Options) (*Store, error) {
	if o.Size <= 0 || o.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: object disk size %d chunk %d", errs.ErrInvalidParameter, o.Size, o.ChunkSize)
	}

	s := &Store{
		proxy:  NewObjectProxy(instance, o.Uploaders, o.Downloaders),
		chunks: NewChunkMap(o.Size, o.ChunkSize),
		opts:   o,
	}

	if err := s.restore(ctx); err != nil {
		s.proxy.Close()
		return nil, err
	}

	return s, nil
}

// restore loads the chunk map from the checkpoint and then looks up the
// backend for every chunk the map does not list. The checkpoint is stale
// after a crash, chunks uploaded since then exist only in the backend.
func (s *Store) restore(ctx context.Context) error {
	if s.opts.Checkpoint {
		if err := s.restoreFromCheckpoint(ctx); err != nil {
			return err
		}
	}

	return s.restoreFromObjects(ctx)
}

func (s *Store) restoreFromCheckpoint(ctx context.Context) error {
	size, err := s.objectSize(ctx, checkpointKey)
	if err != nil || size == 0 {
		return err
	}

	buf := make([]byte, size)
	if err := s.proxy.Download(ctx, checkpointKey, buf, 0, false); err != nil {
		return fmt.Errorf("%w: chunk map checkpoint: %v", errs.ErrIoDevice, err)
	}
	if err := s.chunks.Deserialize(buf); err != nil {
		return err
	}
	log.Info().Int("chunks", s.chunks.Len()).Msg("Chunk map restored from checkpoint.")

	return nil
}

func (s *Store) restoreFromObjects(ctx context.Context) error {
	found := 0
	for i := int64(0); i < s.chunks.Chunks; i++ {
		if s.chunks.Has(i) {
			continue
		}
		size, err := s.objectSize(ctx, i)
		if err != nil {
			return err
		}
		if size > 0 {
			s.chunks.Mark(i)
			found++
		}
	}
	log.Info().Int("chunks", s.chunks.Len()).Int("found", found).Msg("Chunk map restored from objects.")

	return nil
}

// objectSize returns zero for an absent object. Any other failure is an
// I/O error, guessing absence would zero real data on the next write.
func (s *Store) objectSize(ctx context.Context, key int64) (int64, error) {
	size, err := s.proxy.Instance.ObjectSize(ctx, key)
	if errors.Is(err, ErrNoObject) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: size of object %d: %v", errs.ErrIoDevice, key, err)
	}

	return size, nil
}

// chunkLen is the length of the object for chunk i. The last chunk may be
// shorter.
func (s *Store) chunkLen(i int64) int64 {
	start := i * s.opts.ChunkSize
	if rest := s.opts.Size - start; rest < s.opts.ChunkSize {
		return rest
	}

	return s.opts.ChunkSize
}

// span is the part of one chunk touched by a request.
type span struct {
	chunk  int64
	offset int64 // in the chunk
	buf    []byte
}

// spans splits p at off into per chunk pieces, clipped to the disk size.
func (s *Store) spans(p []byte, off int64) []span {
	var out []span

	for len(p) > 0 && off < s.opts.Size {
		i := off / s.opts.ChunkSize
		inChunk := off - i*s.opts.ChunkSize
		n := s.chunkLen(i) - inChunk
		if n > int64(len(p)) {
			n = int64(len(p))
		}

		out = append(out, span{chunk: i, offset: inChunk, buf: p[:n]})
		p = p[n:]
		off += n
	}

	return out
}

// ReadAt downloads all present chunks of the range in parallel. Absent
// chunks and bytes past the end of the disk read as zeros.
func (s *Store) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}

	n := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, sp := range s.spans(p, off) {
		n += len(sp.buf)
		if !s.chunks.Has(sp.chunk) {
			continue
		}

		sp := sp
		g.Go(func() error {
			return s.proxy.Download(gctx, sp.chunk, sp.buf, sp.offset, true)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, errs.Wrap("object read", off, int64(len(p)), err)
	}

	return n, nil
}

// WriteAt uploads every touched chunk. Chunks which are only partially
// covered are downloaded and patched first.
func (s *Store) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > s.opts.Size {
		return 0, errs.Wrap("object write", off, int64(len(p)), errs.ErrOutOfRange)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	n := 0
	for _, sp := range s.spans(p, off) {
		object := sp.buf
		if int64(len(sp.buf)) != s.chunkLen(sp.chunk) {
			object = make([]byte, s.chunkLen(sp.chunk))
			if s.chunks.Has(sp.chunk) {
				if err := s.proxy.Download(ctx, sp.chunk, object, 0, true); err != nil {
					return n, errs.Wrap("object read-modify-write", off+int64(n), int64(len(sp.buf)), err)
				}
			}
			copy(object[sp.offset:], sp.buf)
		}

		if err := s.proxy.Upload(ctx, sp.chunk, object, true); err != nil {
			return n, errs.Wrap("object write", off+int64(n), int64(len(sp.buf)), err)
		}
		s.chunks.Mark(sp.chunk)
		n += len(sp.buf)
	}

	return n, nil
}

func (s *Store) Size(ctx context.Context) (int64, error) {
	return s.opts.Size, nil
}

// Flush stores the chunk map checkpoint.
func (s *Store) Flush(ctx context.Context) error {
	if !s.opts.Checkpoint {
		return nil
	}

	dump, err := s.chunks.Serialize()
	if err != nil {
		return fmt.Errorf("%w: serialize chunk map: %v", errs.ErrIoDevice, err)
	}

	return s.proxy.Upload(ctx, checkpointKey, dump, false)
}

// Close checkpoints the chunk map and stops the transfer workers.
func (s *Store) Close() error {
	err := s.Flush(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("Chunk map checkpoint failed.")
	}
	s.proxy.Close()

	return err
}
