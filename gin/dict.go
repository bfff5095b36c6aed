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
	"bytes"
	"errors"
	"fmt"

	"github.com/couchbase/vellum"
)

// An FST dictionary of at least this many bytes is
// stored zstd-compressed in the dictionary file.
const fstCompressThreshold = 1 << 16

// dictBuilder builds the FST mapping each token of one
// segment to the byte offset of its postings list
// within the segment's postings region.
//
// Tokens must be added in ascending lexicographic
// order; the segment writer guarantees this by sorting
// before insertion.
type dictBuilder struct {
	buf bytes.Buffer
	fst *vellum.Builder
}

func newDictBuilder() (*dictBuilder, error) {
	d := &dictBuilder{}
	b, err := vellum.New(&d.buf, nil)
	if err != nil {
		return nil, err
	}
	d.fst = b
	return d, nil
}

func (d *dictBuilder) add(token []byte, offset uint64) error {
	err := d.fst.Insert(token, offset)
	if errors.Is(err, vellum.ErrOutOfOrder) {
		return fmt.Errorf("%w: token %q added to dictionary out of order", ErrLogical, token)
	}
	return err
}

// finish closes the FST and returns its byte image.
func (d *dictBuilder) finish() ([]byte, error) {
	if err := d.fst.Close(); err != nil {
		return nil, err
	}
	return d.buf.Bytes(), nil
}

// segmentDictionary is the in-memory handle of one
// segment: the start offsets of its postings and
// dictionary regions, plus the FST once loaded.
type segmentDictionary struct {
	// postingsStart is the offset within the postings
	// file at which this segment's region begins; FST
	// outputs are relative to it.
	postingsStart uint64
	// dictStart is the offset within the dictionary
	// file of this segment's FST blob header.
	dictStart uint64

	fstBytes []byte
	fst      *vellum.FST
}

// lookup returns the postings offset mapped to term,
// or found=false if the segment does not contain it.
func (d *segmentDictionary) lookup(term []byte) (uint64, bool, error) {
	offset, found, err := d.fst.Get(term)
	if err != nil {
		return 0, false, fmt.Errorf("%w: fst lookup: %v", ErrCorrupted, err)
	}
	return offset, found, nil
}
