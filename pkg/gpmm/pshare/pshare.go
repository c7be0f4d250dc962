// Package pshare implements the cartel-global content-addressed page
// sharing index (component B of gpmm: spec.md §3.4). It tracks, for
// every MPN currently being deduplicated, a fingerprint and reference
// count (the "content map"), and separately tracks single-reference
// sharing candidates advertised by a VM before a match is found (the
// "hint map").
//
// Grounded on original_source/main/alloc.c's PShare_AddIfShared /
// PShare_LookupHint / PShare_RemoveHint family (AllocCOWSharePage,
// ~L5181-5450): a direct content-map hit always wins over a hint, and a
// hint is only ever promoted after its content is re-verified
// byte-for-byte, because hints (unlike content-map entries) are not
// COW-protected and can go stale between being advertised and being
// matched.
package pshare

import (
	"crypto/sha256"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

// Key is a content fingerprint. The hash function itself is a Non-goal
// (spec.md §1); sha256 is used as a reasonable default and is pluggable
// via Hasher for tests.
type Key [32]byte

// Hasher computes the fingerprint of a page's content. The default,
// Sum256, is adequate for production; tests use a hasher that maps
// every page to one key to provoke the verify-on-match path deliberately.
type Hasher func(content *[gpmm.PageSize]byte) Key

// Sum256 is the default Hasher.
func Sum256(content *[gpmm.PageSize]byte) Key {
	return sha256.Sum256(content[:])
}

// ContentReader lets the index verify byte-for-byte matches and serve
// the COW consistency check without owning page memory itself.
type ContentReader interface {
	PageBytes(mpn gpmm.MPN) *[gpmm.PageSize]byte
}

type contentEntry struct {
	mpn      gpmm.MPN
	refcount uint32
	node     uint8
}

// HintInfo describes a single-reference sharing candidate.
type HintInfo struct {
	Key      Key
	Owner    gpmm.VMID
	OwnerPPN gpmm.PPN
}

type nodeItem struct {
	node uint8
	key  Key
	mpn  gpmm.MPN
}

func (a nodeItem) Less(than btree.Item) bool {
	b := than.(nodeItem)
	if a.node != b.node {
		return a.node < b.node
	}
	for i := range a.key {
		if a.key[i] != b.key[i] {
			return a.key[i] < b.key[i]
		}
	}
	return a.mpn < b.mpn
}

// Index is the cartel-global PShare index: one instance per host.
type Index struct {
	mu        sync.Mutex
	content   map[Key]*contentEntry
	byMPN     map[gpmm.MPN]Key
	hintByMPN map[gpmm.MPN]*HintInfo
	hintByKey map[Key]gpmm.MPN
	nodeTree  *btree.BTree
	reader    ContentReader
	hasher    Hasher
	log       *logrus.Entry
}

// New builds an empty Index. reader supplies page content for
// byte-for-byte verification; hasher computes fingerprints (pass nil
// for the default Sum256).
func New(reader ContentReader, hasher Hasher) *Index {
	if hasher == nil {
		hasher = Sum256
	}
	return &Index{
		content:   make(map[Key]*contentEntry),
		byMPN:     make(map[gpmm.MPN]Key),
		hintByMPN: make(map[gpmm.MPN]*HintInfo),
		hintByKey: make(map[Key]gpmm.MPN),
		nodeTree:  btree.New(32),
		reader:    reader,
		hasher:    hasher,
		log:       logrus.WithField("subsystem", "pshare"),
	}
}

// HashPage computes mpn's content fingerprint.
func (ix *Index) HashPage(mpn gpmm.MPN) Key {
	return ix.hasher(ix.reader.PageBytes(mpn))
}

func (ix *Index) verify(a, b gpmm.MPN) bool {
	return *ix.reader.PageBytes(a) == *ix.reader.PageBytes(b)
}

// AddIfShared attempts to match mpn (with fingerprint key) against an
// existing content-map entry. On a verified match it increments the
// entry's refcount and returns the shared MPN. It never installs a new
// content-map entry itself — that is Add's job once the caller has
// decided (directly, or via a verified hint) that mpn should become the
// canonical copy.
func (ix *Index) AddIfShared(key Key, mpn gpmm.MPN) (shared gpmm.MPN, refcount uint32, matched bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.content[key]
	if !ok {
		return gpmm.InvalidMPN, 0, false
	}
	if !ix.verify(mpn, e.mpn) {
		// Hash collision: spec.md §4.2 "verify byte-for-byte (defeat of
		// hash collisions)". Treat as no match; the caller falls
		// through to the hint path as if nothing were found.
		ix.log.WithFields(logrus.Fields{"mpn": mpn, "existing": e.mpn}).
			Warn("pshare: fingerprint collision defeated by content verification")
		return gpmm.InvalidMPN, 0, false
	}
	e.refcount++
	return e.mpn, e.refcount, true
}

// Add installs mpn as a brand-new content-map entry with refcount 1,
// indexed under key and tagged with node for remap's re-share search.
// The caller must not call Add for a key that AddIfShared already
// matched.
func (ix *Index) Add(key Key, mpn gpmm.MPN, node uint8) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.content[key] = &contentEntry{mpn: mpn, refcount: 1, node: node}
	ix.byMPN[mpn] = key
	ix.nodeTree.ReplaceOrInsert(nodeItem{node: node, key: key, mpn: mpn})
}

// RemoveIfUnshared atomically removes mpn's content-map entry iff its
// refcount is exactly 1 (the COW unshare fast path: "no copy needed").
// It returns true iff the entry was removed.
func (ix *Index) RemoveIfUnshared(mpn gpmm.MPN) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key, ok := ix.byMPN[mpn]
	if !ok {
		return false
	}
	e := ix.content[key]
	if e.refcount != 1 {
		return false
	}
	delete(ix.content, key)
	delete(ix.byMPN, mpn)
	ix.nodeTree.Delete(nodeItem{node: e.node, key: key, mpn: mpn})
	return true
}

// Remove decrements mpn's content-map refcount, deleting the entry when
// it reaches zero. It returns the resulting refcount (0 if deleted) and
// whether mpn had an entry at all.
func (ix *Index) Remove(mpn gpmm.MPN) (refcount uint32, ok bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key, found := ix.byMPN[mpn]
	if !found {
		return 0, false
	}
	e := ix.content[key]
	e.refcount--
	if e.refcount == 0 {
		delete(ix.content, key)
		delete(ix.byMPN, mpn)
		ix.nodeTree.Delete(nodeItem{node: e.node, key: key, mpn: mpn})
		return 0, true
	}
	return e.refcount, true
}

// LookupByMPN returns the fingerprint and refcount of mpn's content-map
// entry, if any.
func (ix *Index) LookupByMPN(mpn gpmm.MPN) (key Key, refcount uint32, ok bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key, found := ix.byMPN[mpn]
	if !found {
		return Key{}, 0, false
	}
	return key, ix.content[key].refcount, true
}

// InstallHint advertises mpn as a single-reference sharing candidate.
func (ix *Index) InstallHint(key Key, mpn gpmm.MPN, owner gpmm.VMID, ownerPPN gpmm.PPN) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.hintByMPN[mpn] = &HintInfo{Key: key, Owner: owner, OwnerPPN: ownerPPN}
	ix.hintByKey[key] = mpn
}

// LookupHint returns the hint advertised for mpn, if any.
func (ix *Index) LookupHint(mpn gpmm.MPN) (HintInfo, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	h, ok := ix.hintByMPN[mpn]
	if !ok {
		return HintInfo{}, false
	}
	return *h, true
}

// LookupHintByKey finds a hint MPN advertised under key, if any
// (consulted only when AddIfShared found no direct content match).
func (ix *Index) LookupHintByKey(key Key) (gpmm.MPN, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	mpn, ok := ix.hintByKey[key]
	return mpn, ok
}

// RemoveHint removes the hint advertised for mpn, returning the info
// that was removed.
func (ix *Index) RemoveHint(mpn gpmm.MPN) (HintInfo, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	h, ok := ix.hintByMPN[mpn]
	if !ok {
		return HintInfo{}, false
	}
	delete(ix.hintByMPN, mpn)
	if ix.hintByKey[h.Key] == mpn {
		delete(ix.hintByKey, h.Key)
	}
	return *h, true
}

// FindOnNode searches for a content-map entry matching key on the given
// NUMA node, used by remap's re-share path (spec.md §4.4: "instead
// attempt to re-share on the target NUMA node by searching a
// node-tagged hash derived from the content key").
func (ix *Index) FindOnNode(node uint8, key Key) (gpmm.MPN, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var found gpmm.MPN
	var ok bool
	ix.nodeTree.AscendGreaterOrEqual(nodeItem{node: node, key: key}, func(it btree.Item) bool {
		ni := it.(nodeItem)
		if ni.node != node || ni.key != key {
			return false
		}
		found, ok = ni.mpn, true
		return false
	})
	return found, ok
}

// TotalRefcount sums every content-map entry's refcount; used by
// spec.md §8 property 3/consistency tooling.
func (ix *Index) TotalRefcount() uint32 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var total uint32
	for _, e := range ix.content {
		total += e.refcount
	}
	return total
}
