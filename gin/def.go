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
	"errors"
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/textidx/partfs"
)

// Definition describes the tunables of one index as
// declared in a table's configuration. Definitions are
// written as JSON or YAML.
type Definition struct {
	// Name is the index name; it prefixes each of the
	// four index files within the part.
	Name string `json:"name"`
	// SegmentDigestionThresholdBytes bounds the
	// approximate in-memory size of a segment before
	// it is flushed. Zero means a single segment.
	SegmentDigestionThresholdBytes uint64 `json:"segment_digestion_threshold_bytes,omitempty"`
	// StreamBufferSize overrides the write buffer size
	// of the dictionary and postings streams.
	StreamBufferSize int `json:"stream_buffer_size,omitempty"`
}

// just pick an upper limit to prevent DoS
const maxDefSize = 1024 * 1024

// DecodeDefinition decodes a JSON or YAML index
// definition.
func DecodeDefinition(buf []byte) (*Definition, error) {
	if len(buf) > maxDefSize {
		return nil, fmt.Errorf("definition of size %d beyond limit %d", len(buf), maxDefSize)
	}
	def := new(Definition)
	if err := yaml.Unmarshal(buf, def); err != nil {
		return nil, err
	}
	if def.Name == "" {
		return nil, errors.New("index definition has no name")
	}
	return def, nil
}

// OpenWithDefinition constructs a writable Store
// configured by def.
func OpenWithDefinition(storage, builder partfs.Storage, def *Definition) *Store {
	s := OpenForWrite(storage, builder, def.Name, def.SegmentDigestionThresholdBytes)
	if def.StreamBufferSize > 0 {
		s.streamBuffer = def.StreamBufferSize
	}
	return s
}
