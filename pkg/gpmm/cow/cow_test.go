package cow

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/cache"
	"github.com/vmmcore/gpmm/pkg/gpmm/p2m"
	"github.com/vmmcore/gpmm/pkg/gpmm/pframe"
	"github.com/vmmcore/gpmm/pkg/gpmm/pgalloc"
	"github.com/vmmcore/gpmm/pkg/gpmm/pshare"
)

type recordingRouter struct {
	posts []p2m.HintUpdate
	owner gpmm.VMID
}

func (r *recordingRouter) PostHintUpdate(owner gpmm.VMID, u p2m.HintUpdate) {
	r.owner = owner
	r.posts = append(r.posts, u)
}

func newTestDeps(t *testing.T, router Router) (*Deps, *pframe.Directory) {
	t.Helper()
	alloc := pgalloc.New(32, 4, 1)
	dir := pframe.NewDirectory(256)
	return &Deps{
		VM:       gpmm.VMID(1),
		Dir:      dir,
		PCache:   cache.New(4),
		Alloc:    alloc,
		Share:    pshare.New(alloc, nil),
		P2MRing:  p2m.NewRing[p2m.Update](8, nil),
		HintRing: p2m.NewRing[p2m.HintUpdate](8, nil),
		Router:   router,
		Log:      logrus.WithField("test", true),
	}, dir
}

func regularFrame(t *testing.T, d *Deps, ppn gpmm.PPN) (gpmm.MPN, *pframe.PFrame) {
	t.Helper()
	mpn, err := d.Alloc.Alloc(pgalloc.ClassAny, 0)
	require.NoError(t, err)
	f, err := d.Dir.GetOrAlloc(ppn)
	require.NoError(t, err)
	f.SetRegular(mpn)
	f.SetValid(true)
	return mpn, f
}

func TestShareInstallsHintOnFirstCall(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	mpn, f := regularFrame(t, d, gpmm.PPN(1))

	shared, isHint, err := Share(d, gpmm.PPN(1), gpmm.InvalidMPN, 0)
	require.NoError(t, err)
	require.True(t, isHint)
	require.Equal(t, mpn, shared)
	require.Equal(t, pframe.COWHint, f.State())
}

func TestShareSecondCallWithSameContentMatchesHint(t *testing.T) {
	router := &recordingRouter{}
	d, _ := newTestDeps(t, router)

	mpn1, _ := regularFrame(t, d, gpmm.PPN(1))
	data := d.Alloc.PageBytes(mpn1)
	data[0] = 0x42
	_, isHint1, err := Share(d, gpmm.PPN(1), gpmm.InvalidMPN, 0)
	require.NoError(t, err)
	require.True(t, isHint1)

	mpn2, f2 := regularFrame(t, d, gpmm.PPN(2))
	*d.Alloc.PageBytes(mpn2) = *data // identical content so the hint's key matches

	shared, isHint2, err := Share(d, gpmm.PPN(2), gpmm.InvalidMPN, 0)
	require.NoError(t, err)
	require.False(t, isHint2)
	require.Equal(t, mpn2, shared)
	require.Equal(t, pframe.COW, f2.State())
	require.Len(t, router.posts, 1)
	require.Equal(t, p2m.HintMatch, router.posts[0].Kind)
	require.Equal(t, gpmm.VMID(1), router.owner)
}

func TestShareRefusesPinned(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	_, f := regularFrame(t, d, gpmm.PPN(1))
	f.IncPin()

	_, _, err := Share(d, gpmm.PPN(1), gpmm.InvalidMPN, 0)
	require.Error(t, err)
	require.Equal(t, gpmm.KindBusy, gpmm.KindOf(err))
}

func TestUnshareRefusesNonCOW(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	regularFrame(t, d, gpmm.PPN(1))

	_, err := Unshare(d, gpmm.PPN(1), false)
	require.Error(t, err)
	require.Equal(t, gpmm.KindNotShared, gpmm.KindOf(err))
}

func TestUnshareLastSharerReclaimsMPN(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	mpn, f := regularFrame(t, d, gpmm.PPN(1))
	key := d.Share.HashPage(mpn)
	d.Share.Add(key, mpn, 0)
	f.SetState(pframe.COW)
	f.SetMPN(mpn)

	got, err := Unshare(d, gpmm.PPN(1), true)
	require.NoError(t, err)
	require.Equal(t, mpn, got)
	require.Equal(t, pframe.Regular, f.State())
}

func TestUnshareFromMonitorDropsRefcountImmediately(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	mpn, f := regularFrame(t, d, gpmm.PPN(1))
	key := d.Share.HashPage(mpn)
	d.Share.Add(key, mpn, 0)
	_, _, matched := d.Share.AddIfShared(key, mpn)
	require.True(t, matched)
	f.SetState(pframe.COW)
	f.SetMPN(mpn)

	got, err := Unshare(d, gpmm.PPN(1), true)
	require.NoError(t, err)
	require.NotEqual(t, mpn, got)
	_, refcount, ok := d.Share.LookupByMPN(mpn)
	require.True(t, ok)
	require.Equal(t, uint32(1), refcount)
	require.Equal(t, 0, d.P2MRing.Pending())
}

func TestUnshareDefersRefcountDropViaP2MRing(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	mpn, f := regularFrame(t, d, gpmm.PPN(1))
	key := d.Share.HashPage(mpn)
	d.Share.Add(key, mpn, 0)
	_, _, matched := d.Share.AddIfShared(key, mpn)
	require.True(t, matched)
	f.SetState(pframe.COW)
	f.SetMPN(mpn)

	_, err := Unshare(d, gpmm.PPN(1), false)
	require.NoError(t, err)
	require.Equal(t, 1, d.P2MRing.Pending())

	update, ok := d.P2MRing.Drain()
	require.True(t, ok)
	AckP2M(d, update)
	_, refcount, ok := d.Share.LookupByMPN(mpn)
	require.True(t, ok)
	require.Equal(t, uint32(1), refcount)
}

// twoSharerDeps builds two per-VM Deps (mimicking two VMs on one host)
// that share one pgalloc.Allocator and one pshare.Index, with each VM's
// own PFrame set to COW over the same mpn (a pshare refcount of 2) —
// the precondition for the races below, where neither VM's Unshare call
// can take the RemoveIfUnshared single-owner fast path.
func twoSharerDeps(t *testing.T) (a, b *Deps, mpn gpmm.MPN) {
	t.Helper()
	alloc := pgalloc.New(32, 4, 1)
	share := pshare.New(alloc, nil)

	a = &Deps{VM: gpmm.VMID(1), Dir: pframe.NewDirectory(64), PCache: cache.New(4), Alloc: alloc, Share: share,
		P2MRing: p2m.NewRing[p2m.Update](8, nil), HintRing: p2m.NewRing[p2m.HintUpdate](8, nil), Log: logrus.WithField("test", true)}
	b = &Deps{VM: gpmm.VMID(2), Dir: pframe.NewDirectory(64), PCache: cache.New(4), Alloc: alloc, Share: share,
		P2MRing: p2m.NewRing[p2m.Update](8, nil), HintRing: p2m.NewRing[p2m.HintUpdate](8, nil), Log: logrus.WithField("test", true)}

	mpn, fa := regularFrame(t, a, gpmm.PPN(1))
	key := share.HashPage(mpn)
	share.Add(key, mpn, 0)
	fa.SetState(pframe.COW)
	fa.SetMPN(mpn)

	fb, err := b.Dir.GetOrAlloc(gpmm.PPN(1))
	require.NoError(t, err)
	fb.SetValid(true)
	fb.SetState(pframe.COW)
	fb.SetMPN(mpn)
	_, _, matched := share.AddIfShared(key, mpn)
	require.True(t, matched)

	return a, b, mpn
}

// TestUnshareRaceFreesMPNOnlyOnTheDecrementThatReachesZero drives two
// sharers of the same mpn through Unshare one after the other: the
// first's immediate decrement (fromMonitor) takes it from 2 to 1 without
// freeing, and the second then finds itself the sole owner and takes
// the RemoveIfUnshared fast path, which hands the same mpn back without
// ever touching pgalloc.
func TestUnshareRaceFreesMPNOnlyOnTheDecrementThatReachesZero(t *testing.T) {
	a, b, mpn := twoSharerDeps(t)

	before := a.Alloc.Stats().Free
	gotA, err := Unshare(a, gpmm.PPN(1), true) // monitor: immediate decrement, 2 -> 1
	require.NoError(t, err)
	require.NotEqual(t, mpn, gotA)
	require.Equal(t, before-1, a.Alloc.Stats().Free, "only A's private copy is allocated; mpn must not be freed while the other VM still shares it")
	_, refcount, ok := a.Share.LookupByMPN(mpn)
	require.True(t, ok)
	require.Equal(t, uint32(1), refcount)

	gotB, err := Unshare(b, gpmm.PPN(1), false) // the other VM's Unshare sees refcount 1 now: fast path, no free
	require.NoError(t, err)
	require.Equal(t, mpn, gotB, "sole remaining sharer keeps the same mpn via the fast path")
	require.Equal(t, before-1, a.Alloc.Stats().Free)
	_, _, ok = a.Share.LookupByMPN(mpn)
	require.False(t, ok, "RemoveIfUnshared's fast path removes the entry without touching pgalloc")
}

// TestAckP2MFreesMPNOnceBothDeferredSharersHaveUnshared covers the
// scenario the review flagged: two VMs both unshare the same mpn from a
// non-monitor caller while it is still shared (refcount 2), so both
// decrements are deferred behind a P2M update and happen later via
// AckP2M. The mpn must stay live after the first ack (refcount still 1)
// and only be freed by the second ack, whose decrement is the one that
// actually reaches zero.
func TestAckP2MFreesMPNOnceBothDeferredSharersHaveUnshared(t *testing.T) {
	a, b, mpn := twoSharerDeps(t)

	_, err := Unshare(a, gpmm.PPN(1), false)
	require.NoError(t, err)
	updA, ok := a.P2MRing.Drain()
	require.True(t, ok)

	_, err = Unshare(b, gpmm.PPN(1), false)
	require.NoError(t, err)
	updB, ok := b.P2MRing.Drain()
	require.True(t, ok)

	before := a.Alloc.Stats().Free
	AckP2M(a, updA)
	require.Equal(t, before, a.Alloc.Stats().Free, "mpn must stay live after only one of two deferred acks")
	_, refcount, ok := a.Share.LookupByMPN(mpn)
	require.True(t, ok)
	require.Equal(t, uint32(1), refcount)

	AckP2M(b, updB)
	require.Equal(t, before+1, a.Alloc.Stats().Free, "the second ack must free mpn once its refcount reaches zero")
	_, _, ok = a.Share.LookupByMPN(mpn)
	require.False(t, ok)
}

func TestConsistencyCheckFlagsOrphanedCOW(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	_, f := regularFrame(t, d, gpmm.PPN(1))
	f.SetState(pframe.COW) // no matching PShare entry installed: orphaned

	errs := ConsistencyCheck(d)
	require.Len(t, errs, 1)
}
