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

package partfs

import (
	"bufio"
	"encoding/base32"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// DirFS is a Storage implementation rooted
// in a local directory.
type DirFS struct {
	// Root is the directory holding the part's files.
	Root string
	// Log, if non-nil, is where storage operations
	// are logged.
	Log func(f string, args ...interface{})
}

var _ Storage = &DirFS{}

// NewDirFS constructs a DirFS rooted at dir.
func NewDirFS(dir string) *DirFS {
	return &DirFS{Root: dir}
}

func (d *DirFS) logf(f string, args ...interface{}) {
	if d.Log != nil {
		d.Log(f, args...)
	}
}

// Path implements Storage.Path.
func (d *DirFS) Path() string { return d.Root }

// ExistsFile implements Storage.ExistsFile.
func (d *DirFS) ExistsFile(name string) bool {
	info, err := os.Stat(filepath.Join(d.Root, name))
	return err == nil && info.Mode().IsRegular()
}

// ReadFile implements Storage.ReadFile.
func (d *DirFS) ReadFile(name string) (ReadStream, error) {
	d.logf("ReadFile %s", name)
	f, err := os.Open(filepath.Join(d.Root, name))
	if err != nil {
		return nil, err
	}
	return &readStream{f: f, br: bufio.NewReader(f)}, nil
}

// WriteFile implements Storage.WriteFile.
func (d *DirFS) WriteFile(name string, bufferSize int, mode WriteMode) (WriteStream, error) {
	d.logf("WriteFile %s", name)
	full := filepath.Join(d.Root, name)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE
	switch mode {
	case Append:
		flags |= os.O_APPEND
	case Truncate:
		flags |= os.O_TRUNC
	default:
		return nil, fmt.Errorf("partfs: unknown write mode %d", mode)
	}
	f, err := os.OpenFile(full, flags, 0640)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	return &writeStream{f: f, bw: bufio.NewWriterSize(f, bufferSize)}, nil
}

// ETag returns a strong content hash of the named file.
func (d *DirFS) ETag(name string) (string, error) {
	f, err := os.Open(filepath.Join(d.Root, name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashFile(f)
}

func hashFile(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(h, r)
	if err != nil {
		return "", err
	}
	return "b2sum:" + base32.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

type readStream struct {
	f  *os.File
	br *bufio.Reader
}

func (r *readStream) Read(p []byte) (int, error) {
	return r.br.Read(p)
}

func (r *readStream) ReadByte() (byte, error) {
	return r.br.ReadByte()
}

// Seek repositions the stream and discards any
// buffered read-ahead.
func (r *readStream) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.f.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	r.br.Reset(r.f)
	return pos, nil
}

func (r *readStream) Close() error {
	return r.f.Close()
}

type writeStream struct {
	f      *os.File
	bw     *bufio.Writer
	err    error
	closed bool
}

func (w *writeStream) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	return w.bw.Write(p)
}

func (w *writeStream) WriteByte(c byte) error {
	if w.err != nil {
		return w.err
	}
	return w.bw.WriteByte(c)
}

func (w *writeStream) Sync() error {
	if w.err != nil {
		return w.err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *writeStream) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	err := w.bw.Flush()
	if err2 := w.f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		w.err = err
	}
	return err
}

func (w *writeStream) Cancel() {
	if w.closed {
		return
	}
	w.closed = true
	w.err = ErrCancelled
	w.f.Close()
}
