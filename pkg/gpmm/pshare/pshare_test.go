package pshare

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

type fakeReader struct {
	pages map[gpmm.MPN]*[gpmm.PageSize]byte
}

func newFakeReader() *fakeReader {
	return &fakeReader{pages: make(map[gpmm.MPN]*[gpmm.PageSize]byte)}
}

func (r *fakeReader) PageBytes(mpn gpmm.MPN) *[gpmm.PageSize]byte {
	p, ok := r.pages[mpn]
	if !ok {
		p = &[gpmm.PageSize]byte{}
		r.pages[mpn] = p
	}
	return p
}

func (r *fakeReader) set(mpn gpmm.MPN, b byte) {
	p := r.PageBytes(mpn)
	for i := range p {
		p[i] = b
	}
}

// collideHasher always returns the same key, forcing every AddIfShared
// call through the byte-for-byte verification path regardless of
// actual content.
func collideHasher(*[gpmm.PageSize]byte) Key { return Key{0xaa} }

func TestAddIfSharedMatch(t *testing.T) {
	r := newFakeReader()
	r.set(1, 0x11)
	r.set(2, 0x11)
	ix := New(r, nil)

	key := ix.HashPage(1)
	ix.Add(key, 1, 0)

	shared, refcount, matched := ix.AddIfShared(key, 2)
	require.True(t, matched)
	require.Equal(t, gpmm.MPN(1), shared)
	require.EqualValues(t, 2, refcount)
}

func TestAddIfSharedDefeatsHashCollision(t *testing.T) {
	r := newFakeReader()
	r.set(1, 0x11)
	r.set(2, 0x22) // different content, same (collided) key
	ix := New(r, collideHasher)

	key := ix.HashPage(1)
	ix.Add(key, 1, 0)

	_, _, matched := ix.AddIfShared(key, 2)
	require.False(t, matched)
}

func TestHintPromotionAndStaleness(t *testing.T) {
	r := newFakeReader()
	r.set(10, 0x55)
	ix := New(r, nil)
	key := ix.HashPage(10)

	ix.InstallHint(key, 10, gpmm.VMID(1), gpmm.PPN(3))
	h, ok := ix.LookupHint(10)
	require.True(t, ok)
	require.Equal(t, gpmm.VMID(1), h.Owner)

	mpn, ok := ix.LookupHintByKey(key)
	require.True(t, ok)
	require.Equal(t, gpmm.MPN(10), mpn)

	removed, ok := ix.RemoveHint(10)
	require.True(t, ok)
	require.Equal(t, key, removed.Key)
	_, ok = ix.LookupHint(10)
	require.False(t, ok)
}

func TestRemoveIfUnsharedAndRemove(t *testing.T) {
	r := newFakeReader()
	r.set(1, 1)
	r.set(2, 1)
	ix := New(r, nil)
	key := ix.HashPage(1)
	ix.Add(key, 1, 0)

	require.False(t, ix.RemoveIfUnshared(2)) // not even in the map
	require.True(t, ix.RemoveIfUnshared(1))
	_, _, ok := ix.LookupByMPN(1)
	require.False(t, ok)

	ix.Add(key, 1, 0)
	_, _, matched := ix.AddIfShared(key, 2)
	require.True(t, matched)
	require.False(t, ix.RemoveIfUnshared(1)) // refcount 2, can't fast-remove

	rc, ok := ix.Remove(1) // AddIfShared mapped 2 onto the shared mpn 1
	require.True(t, ok)
	require.EqualValues(t, 1, rc)
	rc, ok = ix.Remove(1)
	require.True(t, ok)
	require.EqualValues(t, 0, rc)
	_, _, ok = ix.LookupByMPN(1)
	require.False(t, ok)
}

func TestFindOnNode(t *testing.T) {
	r := newFakeReader()
	r.set(5, 9)
	ix := New(r, nil)
	key := ix.HashPage(5)
	ix.Add(key, 5, 2)

	mpn, ok := ix.FindOnNode(2, key)
	require.True(t, ok)
	require.Equal(t, gpmm.MPN(5), mpn)

	_, ok = ix.FindOnNode(0, key)
	require.False(t, ok)
}
