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
	"math"

	"github.com/RoaringBitmap/roaring"

	"github.com/SnellerInc/textidx/compr"
)

// Postings list encoding thresholds. Cardinalities
// below arrayThreshold serialize as a varint array;
// cardinalities at or above compressThreshold get
// their roaring representation zstd-compressed.
const (
	arrayThreshold    = 16
	compressThreshold = 8192
)

// Header bits of a serialized postings list. The
// lowest bit selects array (1) vs roaring (0); for
// roaring, the next bit selects compressed (1) vs
// raw (0). The remaining bits hold the array
// cardinality or the uncompressed roaring size.
const (
	arrayContainerMask    = 0x1
	roaringCompressedMask = 0x1
)

// PostingsBuilder accumulates the row ids of one token
// within the segment currently being buffered.
type PostingsBuilder struct {
	rowids *roaring.Bitmap
}

// NewPostingsBuilder returns an empty builder.
func NewPostingsBuilder() *PostingsBuilder {
	return &PostingsBuilder{rowids: roaring.New()}
}

// Add inserts rowID. Re-adding a present id is a no-op;
// ids may arrive in any order.
func (b *PostingsBuilder) Add(rowID uint32) {
	b.rowids.Add(rowID)
}

// Contains indicates whether rowID has been added.
func (b *PostingsBuilder) Contains(rowID uint32) bool {
	return b.rowids.Contains(rowID)
}

// Cardinality returns the number of distinct row ids.
func (b *PostingsBuilder) Cardinality() uint64 {
	return b.rowids.GetCardinality()
}

// writeTo serializes the postings list to w and returns
// the exact number of bytes appended.
//
// The builder must not be empty; empty builders are
// skipped by the segment writer.
func (b *PostingsBuilder) writeTo(w io.Writer, codec compr.Compressor) (uint64, error) {
	b.rowids.RunOptimize()
	card := b.rowids.GetCardinality()

	if card < arrayThreshold {
		header := card<<1 | arrayContainerMask
		n, err := writeUvarint(w, header)
		if err != nil {
			return 0, err
		}
		written := uint64(n)
		for _, v := range b.rowids.ToArray() {
			n, err = writeUvarint(w, uint64(v))
			if err != nil {
				return 0, err
			}
			written += uint64(n)
		}
		return written, nil
	}

	raw, err := b.rowids.ToBytes()
	if err != nil {
		return 0, err
	}
	usize := uint64(len(raw))

	if card >= compressThreshold {
		compressed := codec.Compress(raw, nil)
		header := usize<<2 | roaringCompressedMask<<1
		n, err := writeUvarint(w, header)
		if err != nil {
			return 0, err
		}
		written := uint64(n)
		n, err = writeUvarint(w, uint64(len(compressed)))
		if err != nil {
			return 0, err
		}
		written += uint64(n)
		if _, err := w.Write(compressed); err != nil {
			return 0, err
		}
		return written + uint64(len(compressed)), nil
	}

	header := usize << 2
	n, err := writeUvarint(w, header)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(raw); err != nil {
		return 0, err
	}
	return uint64(n) + usize, nil
}

// readPostings decodes one serialized postings list
// from r.
func readPostings(r byteReader, dec compr.Decompressor) (*roaring.Bitmap, error) {
	header, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: postings header: %v", ErrCorrupted, err)
	}
	rowids := roaring.New()

	if header&arrayContainerMask != 0 {
		num := header >> 1
		values := make([]uint32, num)
		for i := range values {
			v, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("%w: postings array: %v", ErrCorrupted, err)
			}
			if v > math.MaxUint32 {
				return nil, fmt.Errorf("%w: postings row id %d out of range", ErrCorrupted, v)
			}
			values[i] = uint32(v)
		}
		rowids.AddMany(values)
		return rowids, nil
	}

	header >>= 1
	compressed := header&roaringCompressedMask != 0
	usize := header >> 1
	buf := make([]byte, usize)
	if compressed {
		csize, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: postings compressed size: %v", ErrCorrupted, err)
		}
		cbuf := make([]byte, csize)
		if _, err := io.ReadFull(r, cbuf); err != nil {
			return nil, fmt.Errorf("%w: postings blob: %v", ErrCorrupted, err)
		}
		if err := dec.Decompress(cbuf, buf); err != nil {
			return nil, fmt.Errorf("%w: postings blob: %v", ErrCorrupted, err)
		}
	} else {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: postings blob: %v", ErrCorrupted, err)
		}
	}
	if _, err := rowids.FromBuffer(buf); err != nil {
		return nil, fmt.Errorf("%w: roaring bitmap: %v", ErrCorrupted, err)
	}
	return rowids, nil
}
