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

// Package partfs describes the storage interface that
// a single data part exposes to the index layers.
//
// A part stores a flat set of named files. Readers get
// seekable streams; writers get buffered append or
// truncate streams that can be synced, finalized, or
// cancelled. The APIs in this package are designed with
// object storage in mind as an eventual backing store,
// so nothing here assumes a local filesystem beyond the
// DirFS implementation itself.
package partfs

import (
	"errors"
	"io"
)

// WriteMode selects how WriteFile opens a file.
type WriteMode int

const (
	// Append opens the file for appending,
	// creating it if necessary.
	Append WriteMode = iota
	// Truncate opens the file at size zero,
	// creating it if necessary.
	Truncate
)

// ErrCancelled is returned by WriteStream operations
// after Cancel has been called on the stream.
var ErrCancelled = errors.New("partfs: write stream cancelled")

// Storage is the interface through which the index
// reads and writes the files of one data part.
type Storage interface {
	// Path returns the part-relative path that
	// identifies this part within its table.
	Path() string
	// ExistsFile indicates whether the named
	// file is present in the part.
	ExistsFile(name string) bool
	// ReadFile opens the named file for
	// sequential, seekable reading.
	ReadFile(name string) (ReadStream, error)
	// WriteFile opens the named file for writing
	// with the given buffer size and mode.
	WriteFile(name string, bufferSize int, mode WriteMode) (WriteStream, error)
}

// ReadStream is a seekable read cursor over one file.
//
// ReadByte participates in the buffered read state, so
// varint decoding interleaves correctly with Read calls.
// A ReadStream must not be shared across goroutines.
type ReadStream interface {
	io.Reader
	io.ByteReader
	io.Seeker
	io.Closer
}

// WriteStream is a buffered writer over one file.
//
// Close flushes buffered data and releases the
// underlying file handle; it is the ordinary way to
// finalize a stream. Cancel is the abort path: it
// releases the handle without flushing and never
// fails; subsequent writes return ErrCancelled.
type WriteStream interface {
	io.Writer
	io.ByteWriter
	// Sync flushes buffered data and forces it
	// to stable storage.
	Sync() error
	io.Closer
	// Cancel aborts the stream. It may be called
	// at any time, including after Close.
	Cancel()
}
