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

	"golang.org/x/exp/slices"

	"github.com/SnellerInc/textidx/compr"
	"github.com/SnellerInc/textidx/partfs"
)

// Segment is the fixed-size metadata record written to
// the metadata file for every flushed segment.
//
// The two offsets give the position within the postings
// and dictionary files at which this segment's regions
// begin; the writer accumulates them across flushes, so
// record k also marks the end of record k-1's regions.
type Segment struct {
	// SegmentID identifies the segment; ids are
	// contiguous and strictly increasing from 1.
	SegmentID uint32
	// NextRowID is the lowest row id not allocated
	// when the segment was flushed.
	NextRowID uint32
	// PostingsStart is the offset of the segment's
	// region within the postings file.
	PostingsStart uint64
	// DictStart is the offset of the segment's FST
	// blob within the dictionary file.
	DictStart uint64
}

// segmentRecordSize is the encoded size of a Segment.
const segmentRecordSize = 24

func (s *Segment) encode(dst *[segmentRecordSize]byte) {
	binary.LittleEndian.PutUint32(dst[0:], s.SegmentID)
	binary.LittleEndian.PutUint32(dst[4:], s.NextRowID)
	binary.LittleEndian.PutUint64(dst[8:], s.PostingsStart)
	binary.LittleEndian.PutUint64(dst[16:], s.DictStart)
}

func (s *Segment) decode(src *[segmentRecordSize]byte) {
	s.SegmentID = binary.LittleEndian.Uint32(src[0:])
	s.NextRowID = binary.LittleEndian.Uint32(src[4:])
	s.PostingsStart = binary.LittleEndian.Uint64(src[8:])
	s.DictStart = binary.LittleEndian.Uint64(src[16:])
}

// segmentWriter owns the three append streams of one
// index and flushes buffered postings into them.
type segmentWriter struct {
	metadata partfs.WriteStream
	dict     partfs.WriteStream
	postings partfs.WriteStream
	codec    compr.Compressor
}

type tokenPostings struct {
	token    string
	postings *PostingsBuilder
}

// writeSegment flushes current as one segment:
// the metadata record first, then each token's postings
// list in ascending token order, then the FST blob.
// seg's offsets are advanced past the appended regions,
// so it holds the next segment's start offsets when
// writeSegment returns. All three streams are synced.
func (w *segmentWriter) writeSegment(seg *Segment, current map[string]*PostingsBuilder) error {
	var record [segmentRecordSize]byte
	seg.encode(&record)
	if _, err := w.metadata.Write(record[:]); err != nil {
		return err
	}

	pairs := make([]tokenPostings, 0, len(current))
	for token, builder := range current {
		if builder.Cardinality() == 0 {
			continue
		}
		pairs = append(pairs, tokenPostings{token, builder})
	}
	// tokens have to enter the FST in sorted order
	slices.SortFunc(pairs, func(a, b tokenPostings) bool {
		return a.token < b.token
	})

	sizes := make([]uint64, len(pairs))
	for i := range pairs {
		n, err := pairs[i].postings.writeTo(w.postings, w.codec)
		if err != nil {
			return err
		}
		sizes[i] = n
		seg.PostingsStart += n
	}

	fst, err := newDictBuilder()
	if err != nil {
		return err
	}
	offset := uint64(0)
	for i := range pairs {
		if err := fst.add([]byte(pairs[i].token), offset); err != nil {
			return err
		}
		offset += sizes[i]
	}
	fstBytes, err := fst.finish()
	if err != nil {
		return err
	}

	usize := uint64(len(fstBytes))
	compress := usize >= fstCompressThreshold
	header := usize << 1
	if compress {
		header |= 1
	}
	n, err := writeUvarint(w.dict, header)
	if err != nil {
		return err
	}
	seg.DictStart += uint64(n)
	if compress {
		compressed := w.codec.Compress(fstBytes, nil)
		n, err = writeUvarint(w.dict, uint64(len(compressed)))
		if err != nil {
			return err
		}
		seg.DictStart += uint64(n)
		if _, err := w.dict.Write(compressed); err != nil {
			return err
		}
		seg.DictStart += uint64(len(compressed))
	} else {
		if _, err := w.dict.Write(fstBytes); err != nil {
			return err
		}
		seg.DictStart += usize
	}

	if err := w.metadata.Sync(); err != nil {
		return err
	}
	if err := w.dict.Sync(); err != nil {
		return err
	}
	return w.postings.Sync()
}

func (w *segmentWriter) cancel() {
	w.metadata.Cancel()
	w.dict.Cancel()
	w.postings.Cancel()
}

func (w *segmentWriter) close() error {
	err := w.metadata.Close()
	if err2 := w.dict.Close(); err == nil {
		err = err2
	}
	if err2 := w.postings.Close(); err == nil {
		err = err2
	}
	return err
}
