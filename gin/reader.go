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
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/couchbase/vellum"

	"github.com/SnellerInc/textidx/compr"
	"github.com/SnellerInc/textidx/partfs"
)

// SegmentedPostings maps segment id to the postings
// list of one term within that segment.
type SegmentedPostings map[uint32]*roaring.Bitmap

// PostingsCache maps terms to their segmented postings;
// equal terms share the underlying per-segment map.
type PostingsCache map[string]SegmentedPostings

// Reader answers term lookups against the on-disk
// artifacts of one index within one data part.
//
// After Load and LoadDictionaries complete, the reader
// is immutable and Lookup may be called from many
// goroutines; postings reads share one cursor guarded
// by an internal lock.
type Reader struct {
	name    string
	storage partfs.Storage

	version  byte
	segments map[uint32]*segmentDictionary

	dictMu sync.Mutex
	dict   partfs.ReadStream

	postMu   sync.Mutex
	postings partfs.ReadStream

	decomp compr.Decompressor
}

// NewReader constructs a Reader for the index called
// name within storage. It performs no I/O until Load.
func NewReader(storage partfs.Storage, name string) *Reader {
	return &Reader{
		name:     name,
		storage:  storage,
		segments: make(map[uint32]*segmentDictionary),
		decomp:   compr.Decompression("zstd"),
	}
}

// Load reads the sidecar and metadata files and builds
// the segment table. Dictionaries are not materialized;
// call LoadDictionaries (or let Lookup load lazily).
//
// A part that never finalized an index loads zero
// segments; every lookup then returns empty results.
func (r *Reader) Load() error {
	sidName := r.name + SuffixSegmentID
	if !r.storage.ExistsFile(sidName) {
		return nil
	}
	sid, err := r.storage.ReadFile(sidName)
	if err != nil {
		return err
	}
	version, err := sid.ReadByte()
	if err != nil {
		sid.Close()
		return fmt.Errorf("%w: segment id file: %v", ErrCorrupted, err)
	}
	if err := checkVersion(version); err != nil {
		sid.Close()
		return err
	}
	r.version = version
	if _, err := sid.Seek(0, io.SeekStart); err != nil {
		sid.Close()
		return err
	}
	next, err := readSegmentIDFile(sid)
	sid.Close()
	if err != nil {
		return err
	}
	numSegments := next - 1
	if numSegments == 0 {
		return nil
	}

	metadata, err := r.storage.ReadFile(r.name + SuffixMetadata)
	if err != nil {
		return err
	}
	defer metadata.Close()
	for i := uint32(0); i < numSegments; i++ {
		var record [segmentRecordSize]byte
		if _, err := io.ReadFull(metadata, record[:]); err != nil {
			return fmt.Errorf("%w: segment metadata: %v", ErrCorrupted, err)
		}
		var seg Segment
		seg.decode(&record)
		r.segments[seg.SegmentID] = &segmentDictionary{
			postingsStart: seg.PostingsStart,
			dictStart:     seg.DictStart,
		}
	}

	r.dict, err = r.storage.ReadFile(r.name + SuffixDictionary)
	if err != nil {
		return err
	}
	r.postings, err = r.storage.ReadFile(r.name + SuffixPostings)
	if err != nil {
		r.dict.Close()
		r.dict = nil
		return err
	}
	return nil
}

// LoadDictionary materializes the FST of one segment.
// Passing a segment id that the metadata does not
// mention is ErrLogical.
func (r *Reader) LoadDictionary(segmentID uint32) error {
	sd, ok := r.segments[segmentID]
	if !ok {
		return fmt.Errorf("%w: invalid segment id %d", ErrLogical, segmentID)
	}
	if sd.fst != nil {
		return nil
	}
	r.dictMu.Lock()
	defer r.dictMu.Unlock()
	if _, err := r.dict.Seek(int64(sd.dictStart), io.SeekStart); err != nil {
		return err
	}
	header, err := binary.ReadUvarint(r.dict)
	if err != nil {
		return fmt.Errorf("%w: dictionary header: %v", ErrCorrupted, err)
	}
	usize := header >> 1
	buf := make([]byte, usize)
	if header&1 != 0 {
		csize, err := binary.ReadUvarint(r.dict)
		if err != nil {
			return fmt.Errorf("%w: dictionary compressed size: %v", ErrCorrupted, err)
		}
		cbuf := make([]byte, csize)
		if _, err := io.ReadFull(r.dict, cbuf); err != nil {
			return fmt.Errorf("%w: dictionary blob: %v", ErrCorrupted, err)
		}
		if err := r.decomp.Decompress(cbuf, buf); err != nil {
			return fmt.Errorf("%w: dictionary blob: %v", ErrCorrupted, err)
		}
	} else {
		if _, err := io.ReadFull(r.dict, buf); err != nil {
			return fmt.Errorf("%w: dictionary blob: %v", ErrCorrupted, err)
		}
	}
	fst, err := vellum.Load(buf)
	if err != nil {
		return fmt.Errorf("%w: dictionary fst: %v", ErrCorrupted, err)
	}
	sd.fstBytes = buf
	sd.fst = fst
	return nil
}

// LoadDictionaries materializes the FSTs of every
// segment.
func (r *Reader) LoadDictionaries() error {
	for id := range r.segments {
		if err := r.LoadDictionary(id); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the postings of term in every segment
// that contains it. A term absent from all segments
// returns an empty map and no error.
func (r *Reader) Lookup(term string) (SegmentedPostings, error) {
	out := make(SegmentedPostings)
	key := []byte(term)
	for id, sd := range r.segments {
		if sd.fst == nil {
			if err := r.LoadDictionary(id); err != nil {
				return nil, err
			}
		}
		offset, found, err := sd.lookup(key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		r.postMu.Lock()
		_, err = r.postings.Seek(int64(sd.postingsStart+offset), io.SeekStart)
		if err == nil {
			out[id], err = readPostings(r.postings, r.decomp)
		}
		r.postMu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LookupMany resolves a set of terms, de-duplicating
// repeated entries so each distinct term is read once.
func (r *Reader) LookupMany(terms []string) (PostingsCache, error) {
	cache := make(PostingsCache, len(terms))
	for _, term := range terms {
		if _, ok := cache[term]; ok {
			continue
		}
		postings, err := r.Lookup(term)
		if err != nil {
			return nil, err
		}
		cache[term] = postings
	}
	return cache, nil
}

// Close releases the reader's file handles. The reader
// must not be used afterwards.
func (r *Reader) Close() error {
	var err error
	if r.dict != nil {
		err = r.dict.Close()
		r.dict = nil
	}
	if r.postings != nil {
		if err2 := r.postings.Close(); err == nil {
			err = err2
		}
		r.postings = nil
	}
	return err
}

// CacheForPart pairs a loaded Reader with the postings
// already fetched for the queries of one scan, so that
// repeated query strings hit memory instead of disk.
type CacheForPart struct {
	Reader *Reader
	cache  map[string]PostingsCache
}

// NewCacheForPart wraps reader with an empty cache.
func NewCacheForPart(reader *Reader) *CacheForPart {
	return &CacheForPart{
		Reader: reader,
		cache:  make(map[string]PostingsCache),
	}
}

// Postings returns the cached postings of query, or nil
// if the query has not been resolved yet.
func (c *CacheForPart) Postings(query string) PostingsCache {
	return c.cache[query]
}

// Resolve looks up terms on behalf of query and caches
// the result under the query string.
func (c *CacheForPart) Resolve(query string, terms []string) (PostingsCache, error) {
	if cached, ok := c.cache[query]; ok {
		return cached, nil
	}
	cache, err := c.Reader.LookupMany(terms)
	if err != nil {
		return nil, err
	}
	c.cache[query] = cache
	return cache, nil
}
