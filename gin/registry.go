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
	"strings"
	"sync"

	"github.com/SnellerInc/textidx/partfs"
)

// Registry caches loaded readers keyed by index name
// and part path, so that repeated queries against the
// same part share the loaded dictionaries.
type Registry struct {
	mu      sync.Mutex
	readers map[string]*Reader
}

// NewRegistry returns an empty registry. Tests and
// embedders inject their own; most callers use
// DefaultRegistry.
func NewRegistry() *Registry {
	return &Registry{readers: make(map[string]*Reader)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Get returns the shared reader of the index called
// name within storage, loading it on first use. If the
// part has no such index, Get returns (nil, nil).
func (g *Registry) Get(name string, storage partfs.Storage) (*Reader, error) {
	key := name + ":" + storage.Path()
	g.mu.Lock()
	cached := g.readers[key]
	g.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if !storage.ExistsFile(name + SuffixSegmentID) {
		return nil, nil
	}
	// load outside the lock; loading is the
	// expensive part
	reader := NewReader(storage, name)
	if err := reader.Load(); err != nil {
		return nil, err
	}
	if err := reader.LoadDictionaries(); err != nil {
		reader.Close()
		return nil, err
	}
	g.mu.Lock()
	if winner := g.readers[key]; winner != nil {
		g.mu.Unlock()
		reader.Close()
		return winner, nil
	}
	g.readers[key] = reader
	g.mu.Unlock()
	return reader, nil
}

// Remove evicts every cached reader whose key contains
// partPath. Evicted readers are not closed; in-flight
// lookups continue to completion and the handles are
// reclaimed when the last reference drops.
func (g *Registry) Remove(partPath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.readers {
		if strings.Contains(key, partPath) {
			delete(g.readers, key)
		}
	}
}
