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
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/SnellerInc/textidx/partfs"
)

func loadReader(t *testing.T, part partfs.Storage, name string) *Reader {
	t.Helper()
	r := NewReader(part, name)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadDictionaries(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// rowids flattens a per-segment lookup result into
// segment id -> sorted row ids.
func rowids(res SegmentedPostings) map[uint32][]uint32 {
	out := make(map[uint32][]uint32, len(res))
	for id, postings := range res {
		out[id] = postings.ToArray()
	}
	return out
}

func TestSingleSegmentSingleToken(t *testing.T) {
	part := partfs.NewDirFS(t.TempDir())
	st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)

	if first := st.AllocateRowIDs(1); first != 0 {
		t.Fatalf("first row id %d", first)
	}
	if err := st.AddToken("foo", 0); err != nil {
		t.Fatal(err)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}

	r := loadReader(t, part, "idx")
	res, err := r.Lookup("foo")
	if err != nil {
		t.Fatal(err)
	}
	want := map[uint32][]uint32{1: {0}}
	if got := rowids(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("lookup(foo) = %v, want %v", got, want)
	}
	res, err = r.Lookup("bar")
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Fatalf("lookup(bar) = %v, want empty", rowids(res))
	}
}

func TestThresholdSplitsSegments(t *testing.T) {
	part := partfs.NewDirFS(t.TempDir())
	st := OpenForWrite(part, part, "idx", 1)

	if err := st.AddToken("a", 1); err != nil {
		t.Fatal(err)
	}
	if err := st.MaybeFlush(); err != nil {
		t.Fatal(err)
	}
	if err := st.AddToken("a", 2); err != nil {
		t.Fatal(err)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}

	r := loadReader(t, part, "idx")
	res, err := r.Lookup("a")
	if err != nil {
		t.Fatal(err)
	}
	want := map[uint32][]uint32{1: {1}, 2: {2}}
	if got := rowids(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("lookup(a) = %v, want %v", got, want)
	}
}

func TestArrayToRoaringTransition(t *testing.T) {
	for _, tc := range []struct {
		n     int
		array bool
	}{
		{arrayThreshold - 1, true},
		{arrayThreshold, false},
	} {
		dir := t.TempDir()
		part := partfs.NewDirFS(dir)
		st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
		for i := 0; i < tc.n; i++ {
			if err := st.AddToken("x", uint32(i)); err != nil {
				t.Fatal(err)
			}
		}
		if err := st.Finalize(); err != nil {
			t.Fatal(err)
		}

		// the postings file holds exactly one blob;
		// inspect its header bits directly
		buf, err := os.ReadFile(filepath.Join(dir, "idx"+SuffixPostings))
		if err != nil {
			t.Fatal(err)
		}
		h := header(t, buf)
		if isArray := h&arrayContainerMask != 0; isArray != tc.array {
			t.Fatalf("%d row ids: array=%v, want %v", tc.n, isArray, tc.array)
		}
		if tc.array {
			if card := h >> 1; card != uint64(tc.n) {
				t.Fatalf("%d row ids: header cardinality %d", tc.n, card)
			}
		}

		r := loadReader(t, part, "idx")
		res, err := r.Lookup("x")
		if err != nil {
			t.Fatal(err)
		}
		if got := res[1].GetCardinality(); got != uint64(tc.n) {
			t.Fatalf("%d row ids: lookup cardinality %d", tc.n, got)
		}
	}
}

func TestMultipleTokensAndSegments(t *testing.T) {
	part := partfs.NewDirFS(t.TempDir())
	st := OpenForWrite(part, part, "idx", 1)

	// segment 1: b, a; segment 2: c, a
	if err := st.AddToken("b", 10); err != nil {
		t.Fatal(err)
	}
	if err := st.AddToken("a", 11); err != nil {
		t.Fatal(err)
	}
	if err := st.MaybeFlush(); err != nil {
		t.Fatal(err)
	}
	if err := st.AddToken("c", 20); err != nil {
		t.Fatal(err)
	}
	if err := st.AddToken("a", 21); err != nil {
		t.Fatal(err)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}

	r := loadReader(t, part, "idx")
	cache, err := r.LookupMany([]string{"a", "b", "c", "a", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	wants := map[string]map[uint32][]uint32{
		"a":       {1: {11}, 2: {21}},
		"b":       {1: {10}},
		"c":       {2: {20}},
		"missing": {},
	}
	if len(cache) != len(wants) {
		t.Fatalf("cache has %d terms", len(cache))
	}
	for term, want := range wants {
		if got := rowids(cache[term]); !reflect.DeepEqual(got, want) {
			t.Fatalf("lookup(%s) = %v, want %v", term, got, want)
		}
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	part := partfs.NewDirFS(t.TempDir())
	st := OpenForWrite(part, part, "idx", 1)
	for i, token := range []string{"a", "b", "c"} {
		if err := st.AddToken(token, uint32(i)); err != nil {
			t.Fatal(err)
		}
		if err := st.MaybeFlush(); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}

	n, err := st.NumSegments()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("NumSegments = %d", n)
	}
	v, err := st.Version()
	if err != nil {
		t.Fatal(err)
	}
	if v != FormatV1 {
		t.Fatalf("Version = %d", v)
	}

	// the reader sees segment ids 1..3 with no gaps
	r := loadReader(t, part, "idx")
	seen := make(map[uint32]bool)
	for _, term := range []string{"a", "b", "c"} {
		res, err := r.Lookup(term)
		if err != nil {
			t.Fatal(err)
		}
		for id := range res {
			seen[id] = true
		}
	}
	if !reflect.DeepEqual(seen, map[uint32]bool{1: true, 2: true, 3: true}) {
		t.Fatalf("segment ids %v", seen)
	}

	// a new writer continues the id sequence
	st2 := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
	if !st2.Exists() {
		t.Fatal("index should exist")
	}
	if err := st2.AddToken("d", 0); err != nil {
		t.Fatal(err)
	}
	id, err := st2.AllocateSegmentIDs(1)
	if err != nil {
		t.Fatal(err)
	}
	if id != 4 {
		t.Fatalf("AllocateSegmentIDs = %d, want 4", id)
	}
	st2.Cancel()
}

func TestEmptyFinalize(t *testing.T) {
	dir := t.TempDir()
	part := partfs.NewDirFS(dir)
	st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}
	// the sidecar exists with next id 1 and no other
	// artifact was created
	if !st.Exists() {
		t.Fatal("sidecar missing")
	}
	n, err := st.NumSegments()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("NumSegments = %d", n)
	}
	if part.ExistsFile("idx" + SuffixMetadata) {
		t.Fatal("unexpected metadata file")
	}

	r := loadReader(t, part, "idx")
	res, err := r.Lookup("anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Fatalf("lookup = %v", rowids(res))
	}
}

func TestFinalizeTwice(t *testing.T) {
	part := partfs.NewDirFS(t.TempDir())
	st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
	if err := st.AddToken("tok", 0); err != nil {
		t.Fatal(err)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := st.AddToken("tok", 1); !errors.Is(err, ErrLogical) {
		t.Fatalf("AddToken after Finalize: %v", err)
	}
}

func TestCancelledStore(t *testing.T) {
	part := partfs.NewDirFS(t.TempDir())
	st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
	if err := st.AddToken("tok", 0); err != nil {
		t.Fatal(err)
	}
	st.Cancel()
	st.Cancel() // idempotent
	if err := st.AddToken("tok", 1); !errors.Is(err, ErrLogical) {
		t.Fatalf("AddToken after Cancel: %v", err)
	}
	if err := st.Finalize(); !errors.Is(err, ErrLogical) {
		t.Fatalf("Finalize after Cancel: %v", err)
	}
	if st.Exists() {
		t.Fatal("cancelled store should not have written the sidecar")
	}
}

func TestRowIDAllocation(t *testing.T) {
	part := partfs.NewDirFS(t.TempDir())
	st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
	if id := st.AllocateRowIDs(8); id != 0 {
		t.Fatalf("first range starts at %d", id)
	}
	if id := st.AllocateRowIDs(4); id != 8 {
		t.Fatalf("second range starts at %d", id)
	}
	if id := st.AllocateRowIDs(1); id != 12 {
		t.Fatalf("third range starts at %d", id)
	}
}

func TestCorruptVersionByte(t *testing.T) {
	dir := t.TempDir()
	part := partfs.NewDirFS(dir)
	st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
	if err := st.AddToken("foo", 0); err != nil {
		t.Fatal(err)
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}

	sid := filepath.Join(dir, "idx"+SuffixSegmentID)
	buf, err := os.ReadFile(sid)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] = 0x7f
	if err := os.WriteFile(sid, buf, 0640); err != nil {
		t.Fatal(err)
	}

	r := NewReader(part, "idx")
	if err := r.Load(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Load = %v, want ErrCorrupted", err)
	}
	st2 := Open(part, "idx")
	if _, err := st2.Version(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Version = %v, want ErrCorrupted", err)
	}
	if _, err := st2.AllocateSegmentIDs(1); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("AllocateSegmentIDs = %v, want ErrCorrupted", err)
	}
}

func TestLargeSegmentDictionary(t *testing.T) {
	// enough high-entropy tokens that the FST crosses
	// the dictionary compression threshold
	dir := t.TempDir()
	part := partfs.NewDirFS(dir)
	st := OpenForWrite(part, part, "idx", UnlimitedDigestionThreshold)
	rnd := rand.New(rand.NewSource(7))
	const n = 20000
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("%016x-%08d", rnd.Uint64(), i)
		if err := st.AddToken(tokens[i], uint32(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Finalize(); err != nil {
		t.Fatal(err)
	}

	// the dictionary blob must be marked compressed
	buf, err := os.ReadFile(filepath.Join(dir, "idx"+SuffixDictionary))
	if err != nil {
		t.Fatal(err)
	}
	h := header(t, buf)
	if h&1 == 0 {
		t.Fatalf("dictionary of %d bytes written uncompressed", h>>1)
	}
	if h>>1 < fstCompressThreshold {
		t.Fatalf("test dictionary too small (%d bytes) to cross the threshold", h>>1)
	}

	r := loadReader(t, part, "idx")
	for i := 0; i < n; i += 997 {
		res, err := r.Lookup(tokens[i])
		if err != nil {
			t.Fatal(err)
		}
		if !res[1].Contains(uint32(i)) {
			t.Fatalf("lookup(%q) = %v", tokens[i], rowids(res))
		}
	}
}

func TestIsIndexFile(t *testing.T) {
	for _, name := range []string{
		"idx.gin_sid", "idx.gin_seg", "idx.gin_dict", "idx.gin_post",
	} {
		if !IsIndexFile(name) {
			t.Errorf("IsIndexFile(%q) = false", name)
		}
	}
	for _, name := range []string{
		"idx.bin", "idx.gin", "gin_sid", "idx.gin_sid.bak",
	} {
		if IsIndexFile(name) {
			t.Errorf("IsIndexFile(%q) = true", name)
		}
	}
}
