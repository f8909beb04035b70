package pager

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Index registry — maps names to B+Tree root pages
// ───────────────────────────────────────────────────────────────────────────
//
// A Pager backs a single file, but an embedder may want more than one
// keyed B+Tree in it (a primary index plus secondary indexes, or several
// independent trees sharing one buffer pool and WAL). The registry is
// itself a B+Tree whose
//
//   key   = index name
//   value = JSON-encoded RegistryEntry
//
// and whose own root page ID is stored in the superblock (RegistryRoot).

// RegistryEntry is the value stored in the index registry B+Tree.
type RegistryEntry struct {
	Name       string `json:"name"`
	RootPageID PageID `json:"root_page_id"`
	Version    int    `json:"version"`
}

// Registry manages the set of named B+Trees sharing one Pager.
type Registry struct {
	mu    sync.RWMutex
	pager *Pager
	tree  *BTree
}

// OpenRegistry opens or creates the index registry.
func OpenRegistry(p *Pager, txID TxID) (*Registry, error) {
	sb := p.Superblock()
	reg := &Registry{pager: p}

	if sb.RegistryRoot == InvalidPageID {
		bt, err := CreateBTree(p, txID)
		if err != nil {
			return nil, fmt.Errorf("create registry tree: %w", err)
		}
		reg.tree = bt
		p.UpdateSuperblock(func(s *Superblock) {
			s.RegistryRoot = bt.Root()
		})
	} else {
		reg.tree = NewBTree(p, sb.RegistryRoot)
	}
	return reg, nil
}

// Register creates or updates the registry entry for a named index.
func (r *Registry) Register(txID TxID, name string, rootPageID PageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.getLocked(name)
	if err != nil {
		return err
	}
	version := 1
	if existing != nil {
		version = existing.Version + 1
	}
	entry := RegistryEntry{Name: name, RootPageID: rootPageID, Version: version}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.tree.Insert(txID, []byte(name), val)
}

// Lookup retrieves a named index's root page. Returns found=false if absent.
func (r *Registry) Lookup(name string) (PageID, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, err := r.getLocked(name)
	if err != nil || entry == nil {
		return InvalidPageID, false, err
	}
	return entry.RootPageID, true, nil
}

func (r *Registry) getLocked(name string) (*RegistryEntry, error) {
	val, found, err := r.tree.Get([]byte(name))
	if err != nil || !found {
		return nil, err
	}
	var entry RegistryEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Unregister removes a named index's entry. The caller is responsible for
// freeing the underlying tree's pages first.
func (r *Registry) Unregister(txID TxID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.tree.Delete(txID, []byte(name))
	return err
}

// Names returns all registered index names in sorted order.
func (r *Registry) Names() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	err := r.tree.ScanRange(nil, nil, func(key, val []byte) bool {
		names = append(names, string(key))
		return true
	})
	sort.Strings(names)
	return names, err
}

// Root returns the registry tree's own root page ID.
func (r *Registry) Root() PageID { return r.tree.Root() }

// ───────────────────────────────────────────────────────────────────────────
// Integer key helpers
// ───────────────────────────────────────────────────────────────────────────
//
// B+Tree keys are arbitrary byte strings ordered lexicographically; these
// helpers encode an int64 so that byte order matches numeric order.

// Uint64Key encodes an integer as a big-endian B+Tree key.
func Uint64Key(id int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

// ParseUint64Key decodes a key produced by Uint64Key.
func ParseUint64Key(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
