// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package gin

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/SnellerInc/textidx/compr"
	"github.com/SnellerInc/textidx/partfs"
)

// UnlimitedDigestionThreshold disables automatic
// flushing; the store emits a single segment.
const UnlimitedDigestionThreshold = 0

// Stream buffer sizes. The segment id sidecar holds a
// handful of bytes; metadata records are small and
// rare; dictionary and postings streams carry the bulk
// of the data.
const (
	sidFileBufferSize   = 8
	metadataBufferSize  = 4096
	defaultStreamBuffer = 1 << 20
)

type storeState int

const (
	stateFresh storeState = iota
	stateWriting
	stateFinalized
	stateCancelled
)

// Store is the write side of one index within one data
// part. It buffers token postings in memory and flushes
// them into on-disk segments.
//
// A Store has a single writer: AllocateRowIDs, AddToken,
// MaybeFlush, Finalize and Cancel are not synchronized.
// AllocateSegmentIDs is the one exception; it takes an
// internal mutex because id allocation can race with
// other writers bootstrapping against the same part's
// sidecar file.
type Store struct {
	name    string
	storage partfs.Storage
	builder partfs.Storage

	// digestionThreshold caps the approximate buffered
	// size before a segment is flushed; 0 means never.
	digestionThreshold uint64
	streamBuffer       int

	mu            sync.Mutex
	nextSegmentID uint32 // 0 until seeded from the sidecar

	state           storeState
	currentSegment  Segment
	currentPostings map[string]*PostingsBuilder
	currentSize     uint64

	writer *segmentWriter

	cachedNumSegments uint32
	haveNumSegments   bool
}

// Open constructs a read-only Store handle for the
// index called name within storage. It performs no I/O.
func Open(storage partfs.Storage, name string) *Store {
	return &Store{
		name:            name,
		storage:         storage,
		currentPostings: make(map[string]*PostingsBuilder),
		streamBuffer:    defaultStreamBuffer,
	}
}

// OpenForWrite constructs a writable Store. builder is
// the write side of the part's storage; threshold is
// the segment digestion threshold in bytes, with
// UnlimitedDigestionThreshold disabling automatic
// flushing.
func OpenForWrite(storage, builder partfs.Storage, name string, threshold uint64) *Store {
	s := Open(storage, name)
	s.builder = builder
	s.digestionThreshold = threshold
	return s
}

// Name returns the index name.
func (s *Store) Name() string { return s.name }

// Exists indicates whether this index was ever
// finalized within the part.
func (s *Store) Exists() bool {
	return s.storage.ExistsFile(s.name + SuffixSegmentID)
}

// AllocateSegmentIDs allocates n consecutive segment
// ids and returns the first. The first call seeds the
// allocator from the sidecar file if one is present.
func (s *Store) AllocateSegmentIDs(n uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextSegmentID == 0 {
		if err := s.initSegmentID(); err != nil {
			return 0, err
		}
	}
	id := s.nextSegmentID
	s.nextSegmentID += n
	return id, nil
}

// initSegmentID is called with s.mu held.
func (s *Store) initSegmentID() error {
	name := s.name + SuffixSegmentID
	if !s.storage.ExistsFile(name) {
		s.nextSegmentID = 1
		return nil
	}
	r, err := s.storage.ReadFile(name)
	if err != nil {
		return err
	}
	defer r.Close()
	next, err := readSegmentIDFile(r)
	if err != nil {
		return err
	}
	s.nextSegmentID = next
	return nil
}

// readSegmentIDFile parses the sidecar: a version byte
// followed by the varint next available segment id.
func readSegmentIDFile(r byteReader) (uint32, error) {
	version, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: segment id file: %v", ErrCorrupted, err)
	}
	if err := checkVersion(version); err != nil {
		return 0, err
	}
	next, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("%w: segment id file: %v", ErrCorrupted, err)
	}
	if next == 0 || next > 1<<32-1 {
		return 0, fmt.Errorf("%w: segment id file: next id %d out of range", ErrCorrupted, next)
	}
	return uint32(next), nil
}

// NumSegments returns the number of segments recorded
// in the sidecar file, or 0 if none was written.
func (s *Store) NumSegments() (uint32, error) {
	if s.haveNumSegments {
		return s.cachedNumSegments, nil
	}
	name := s.name + SuffixSegmentID
	if !s.storage.ExistsFile(name) {
		return 0, nil
	}
	r, err := s.storage.ReadFile(name)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	next, err := readSegmentIDFile(r)
	if err != nil {
		return 0, err
	}
	s.cachedNumSegments = next - 1
	s.haveNumSegments = true
	return s.cachedNumSegments, nil
}

// Version returns the format version of the on-disk
// index. A missing sidecar file is ErrCorrupted.
func (s *Store) Version() (byte, error) {
	name := s.name + SuffixSegmentID
	if !s.storage.ExistsFile(name) {
		return 0, fmt.Errorf("%w: segment id file does not exist", ErrCorrupted)
	}
	r, err := s.storage.ReadFile(name)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	version, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: segment id file: %v", ErrCorrupted, err)
	}
	if err := checkVersion(version); err != nil {
		return 0, err
	}
	return version, nil
}

// AllocateRowIDs allocates n consecutive row ids within
// the current segment and returns the first.
func (s *Store) AllocateRowIDs(n uint32) uint32 {
	id := s.currentSegment.NextRowID
	s.currentSegment.NextRowID += n
	return id
}

// AddToken records that rowID contains token.
func (s *Store) AddToken(token string, rowID uint32) error {
	if s.builder == nil {
		return fmt.Errorf("%w: store not opened for writing", ErrLogical)
	}
	switch s.state {
	case stateFinalized:
		return fmt.Errorf("%w: AddToken on a finalized store", ErrLogical)
	case stateCancelled:
		return fmt.Errorf("%w: AddToken on a cancelled store", ErrLogical)
	}
	s.state = stateWriting
	builder := s.currentPostings[token]
	if builder == nil {
		builder = NewPostingsBuilder()
		s.currentPostings[token] = builder
		s.currentSize += uint64(len(token))
	}
	builder.Add(rowID)
	// rough accounting; the flush trigger only needs
	// the order of magnitude
	s.currentSize += 4
	return nil
}

// MaybeFlush flushes the current segment if the
// buffered size exceeds the digestion threshold.
func (s *Store) MaybeFlush() error {
	if s.digestionThreshold == UnlimitedDigestionThreshold ||
		s.currentSize <= s.digestionThreshold {
		return nil
	}
	return s.flush()
}

func (s *Store) flush() error {
	if len(s.currentPostings) == 0 {
		return nil
	}
	if s.writer == nil {
		if err := s.initStreams(); err != nil {
			return err
		}
	}
	id, err := s.AllocateSegmentIDs(1)
	if err != nil {
		return err
	}
	s.currentSegment.SegmentID = id
	if err := s.writer.writeSegment(&s.currentSegment, s.currentPostings); err != nil {
		return err
	}
	s.currentSize = 0
	s.currentPostings = make(map[string]*PostingsBuilder)
	return nil
}

func (s *Store) initStreams() error {
	metadata, err := s.builder.WriteFile(s.name+SuffixMetadata, metadataBufferSize, partfs.Append)
	if err != nil {
		return err
	}
	dict, err := s.builder.WriteFile(s.name+SuffixDictionary, s.streamBuffer, partfs.Append)
	if err != nil {
		metadata.Cancel()
		return err
	}
	postings, err := s.builder.WriteFile(s.name+SuffixPostings, s.streamBuffer, partfs.Append)
	if err != nil {
		metadata.Cancel()
		dict.Cancel()
		return err
	}
	s.writer = &segmentWriter{
		metadata: metadata,
		dict:     dict,
		postings: postings,
		codec:    compr.Compression("zstd-fast"),
	}
	return nil
}

// Finalize flushes any buffered segment, persists the
// segment id sidecar, and closes the write streams.
// Calling Finalize on an already-finalized store is a
// no-op. If the flush or the sidecar write fails, the
// store transitions to the cancelled state and the part
// should be discarded; an error from closing the
// streams afterwards is returned with the store left
// finalized.
func (s *Store) Finalize() error {
	if s.builder == nil {
		return fmt.Errorf("%w: store not opened for writing", ErrLogical)
	}
	switch s.state {
	case stateFinalized:
		return nil
	case stateCancelled:
		return fmt.Errorf("%w: Finalize on a cancelled store", ErrLogical)
	}
	if len(s.currentPostings) > 0 {
		if err := s.flush(); err != nil {
			s.Cancel()
			return err
		}
	}
	if err := s.writeSegmentIDFile(); err != nil {
		s.Cancel()
		return err
	}
	s.state = stateFinalized
	if s.writer != nil {
		return s.writer.close()
	}
	return nil
}

func (s *Store) writeSegmentIDFile() error {
	s.mu.Lock()
	next := s.nextSegmentID
	s.mu.Unlock()
	if next == 0 {
		next = 1
	}
	w, err := s.builder.WriteFile(s.name+SuffixSegmentID, sidFileBufferSize, partfs.Truncate)
	if err != nil {
		return err
	}
	if err := w.WriteByte(FormatV1); err != nil {
		w.Cancel()
		return err
	}
	if _, err := writeUvarint(w, uint64(next)); err != nil {
		w.Cancel()
		return err
	}
	if err := w.Sync(); err != nil {
		w.Cancel()
		return err
	}
	return w.Close()
}

// Cancel aborts the store: all write streams are
// cancelled and buffered data is dropped. Cancel never
// fails and may be called more than once.
func (s *Store) Cancel() {
	s.state = stateCancelled
	if s.writer != nil {
		s.writer.cancel()
	}
}
