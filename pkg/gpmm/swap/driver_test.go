package swap

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/cache"
	"github.com/vmmcore/gpmm/pkg/gpmm/cow"
	"github.com/vmmcore/gpmm/pkg/gpmm/p2m"
	"github.com/vmmcore/gpmm/pkg/gpmm/pframe"
	"github.com/vmmcore/gpmm/pkg/gpmm/pgalloc"
	"github.com/vmmcore/gpmm/pkg/gpmm/pshare"
	"github.com/vmmcore/gpmm/pkg/gpmm/swapfile"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	alloc := pgalloc.New(64, 8, 1)
	dir := pframe.NewDirectory(256)
	pc := cache.New(4)
	share := pshare.New(alloc, nil)
	fs := swapfile.NewFileSet(8)

	f, err := swapfile.OpenFile(filepath.Join(t.TempDir(), "swap0"), 0, 64)
	require.NoError(t, err)
	require.NoError(t, fs.AddFile(f))

	mu := &sync.Mutex{}
	cowDeps := &cow.Deps{
		VM:       gpmm.VMID(1),
		Dir:      dir,
		PCache:   pc,
		Alloc:    alloc,
		Share:    share,
		P2MRing:  p2m.NewRing[p2m.Update](8, nil),
		HintRing: p2m.NewRing[p2m.HintUpdate](8, nil),
		Log:      logrus.WithField("test", true),
	}

	return &Driver{
		VM:      gpmm.VMID(1),
		Mu:      mu,
		Dir:     dir,
		PCache:  pc,
		Share:   share,
		Alloc:   alloc,
		Swap:    fs,
		Cow:     cowDeps,
		Limiter: rate.NewLimiter(rate.Inf, 1),
		Log:     logrus.WithField("test", true),
	}
}

func residentFrame(t *testing.T, d *Driver, ppn gpmm.PPN) gpmm.MPN {
	t.Helper()
	mpn, err := d.Alloc.Alloc(pgalloc.ClassAny, 0)
	require.NoError(t, err)
	f, err := d.Dir.GetOrAlloc(ppn)
	require.NoError(t, err)
	f.SetRegular(mpn)
	f.SetValid(true)
	return mpn
}

func TestSetTargetNotifiesWhenIdle(t *testing.T) {
	d := newTestDriver(t)
	var got int
	d.Notify = func(n int) { got = n }

	d.SetTarget(10)
	require.Equal(t, 10, got)
	require.Equal(t, ListReq, d.State())
}

func TestProcessCandidatesSwapsEligiblePages(t *testing.T) {
	d := newTestDriver(t)
	ppns := []gpmm.PPN{1, 2, 3}
	for _, p := range ppns {
		residentFrame(t, d, p)
	}
	d.SetTarget(3)

	written, err := d.ProcessCandidates(context.Background(), ppns)
	require.NoError(t, err)
	require.Equal(t, 3, written)

	deadline := time.Now().Add(time.Second)
	for d.Outstanding() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, d.Outstanding())

	for _, p := range ppns {
		f, ok := d.Dir.Get(p)
		require.True(t, ok)
		require.Equal(t, pframe.Swapped, f.State())
	}
}

func TestProcessCandidatesSkipsPinnedPages(t *testing.T) {
	d := newTestDriver(t)
	residentFrame(t, d, gpmm.PPN(1))
	f, _ := d.Dir.Get(gpmm.PPN(1))
	f.IncPin()

	written, err := d.ProcessCandidates(context.Background(), []gpmm.PPN{1})
	require.NoError(t, err)
	require.Equal(t, 0, written)
	require.Equal(t, pframe.Regular, f.State())
}

func TestProcessCandidatesDedupes(t *testing.T) {
	d := newTestDriver(t)
	residentFrame(t, d, gpmm.PPN(5))

	written, err := d.ProcessCandidates(context.Background(), []gpmm.PPN{5, 5, 5})
	require.NoError(t, err)
	require.Equal(t, 1, written)
}

func TestProcessCandidatesBreaksCOWBeforeSwapOut(t *testing.T) {
	d := newTestDriver(t)
	mpn, err := d.Alloc.Alloc(pgalloc.ClassAny, 0)
	require.NoError(t, err)
	key := d.Share.HashPage(mpn)
	d.Share.Add(key, mpn, 0)
	f, err := d.Dir.GetOrAlloc(gpmm.PPN(1))
	require.NoError(t, err)
	f.SetValid(true)
	f.SetState(pframe.COW)
	f.SetMPN(mpn)

	written, err := d.ProcessCandidates(context.Background(), []gpmm.PPN{1})
	require.NoError(t, err)
	require.Equal(t, 1, written)

	deadline := time.Now().Add(time.Second)
	for d.Outstanding() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, pframe.Swapped, f.State())
}
