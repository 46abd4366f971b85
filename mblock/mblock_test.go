package mblock_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sync/errgroup"

	"github.com/mblocks/mpool/mblock"
	"github.com/mblocks/mpool/merr"
	"github.com/mblocks/mpool/mpool"
	"github.com/mblocks/mpool/oid"
	"github.com/mblocks/mpool/pd"
	"github.com/mblocks/mpool/pmd"
	"github.com/mblocks/mpool/util"
)

var pg = util.PageSize

// testPool activates a pool on volatile media with page-sized zones, so
// a one-page mblock exercises the full-capacity edge cases.
func testPool(t *testing.T, capDefault uint64) *mpool.Pool {
	t.Helper()
	d := disk.NewMemDisk(4096)
	dev := pd.NewDiskDev(d, pd.Props{
		Name:      "mem0",
		Class:     pd.ClassCapacity,
		OptIoSize: pg,
		ZoneSize:  pg,
	})
	params := mpool.Params{Name: "mptest", CapDefault: capDefault, MdRecords: 64}
	require.NoError(t, mpool.Create(params, []pd.Dev{dev}))
	mp, err := mpool.Activate(params, []pd.Dev{dev})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mp.Deactivate() })
	return mp
}

func pages(n uint64) []byte {
	b := make([]byte, n*pg)
	rand.Read(b)
	return b
}

func TestLifecycle(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, 4*pg)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	assert.True(prop.Objid.IsMblock())
	assert.Equal(4*pg, prop.AllocCap)
	assert.Equal(uint64(0), prop.WriteLen)
	assert.Equal(pg, prop.OptimalWrsz)
	assert.False(prop.IsCommitted)

	b := pages(1)
	require.NoError(t, mblock.Write(mp, mb, [][]byte{b}, pg))

	// uncommitted data is invisible to readers
	r := make([]byte, pg)
	err = mblock.Read(mp, mb, [][]byte{r}, 0, pg)
	assert.True(merr.Is(err, merr.NotYetCommitted))

	require.NoError(t, mblock.Commit(mp, mb))

	require.NoError(t, mblock.Read(mp, mb, [][]byte{r}, 0, pg))
	assert.True(bytes.Equal(b, r))

	// commit freezes the object
	err = mblock.Write(mp, mb, [][]byte{pages(1)}, pg)
	assert.True(merr.Is(err, merr.AlreadyCommitted))
	err = mblock.Commit(mp, mb)
	assert.True(merr.Is(err, merr.AlreadyCommitted))

	prop, err = mblock.GetProps(mp, mb)
	require.NoError(t, err)
	assert.True(prop.IsCommitted)
	assert.Equal(pg, prop.WriteLen)

	mblock.Put(mp, mb)
}

func TestWriteAppends(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, 4*pg)

	mb, _, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)

	// scatter-gather: two appends, the second from a split iovec
	b0 := pages(1)
	b1 := pages(2)
	require.NoError(t, mblock.Write(mp, mb, [][]byte{b0}, pg))
	require.NoError(t, mblock.Write(mp, mb, [][]byte{b1[:pg], b1[pg:]}, 2*pg))

	prop, err := mblock.GetProps(mp, mb)
	require.NoError(t, err)
	assert.Equal(3*pg, prop.WriteLen)

	require.NoError(t, mblock.Commit(mp, mb))
	r := make([]byte, 3*pg)
	require.NoError(t, mblock.Read(mp, mb, [][]byte{r}, 0, 3*pg))
	assert.True(bytes.Equal(b0, r[:pg]))
	assert.True(bytes.Equal(b1, r[pg:]))

	mblock.Put(mp, mb)
}

func TestWriteBounds(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, pg)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	assert.Equal(pg, prop.AllocCap)

	require.NoError(t, mblock.Write(mp, mb, [][]byte{pages(1)}, pg))

	// the object is full: more data fails, an empty write does not
	err = mblock.Write(mp, mb, [][]byte{pages(1)}, pg)
	assert.True(merr.Is(err, merr.InvalidArgument))
	assert.NoError(mblock.Write(mp, mb, nil, 0))

	mblock.Put(mp, mb)
}

func TestWriteOverCapacity(t *testing.T) {
	mp := testPool(t, pg)

	mb, _, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)

	err = mblock.Write(mp, mb, [][]byte{pages(2)}, 2*pg)
	assert.True(t, merr.Is(err, merr.InvalidArgument))

	// the failed write advanced nothing
	prop, err := mblock.GetProps(mp, mb)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prop.WriteLen)

	mblock.Put(mp, mb)
}

func TestReadBounds(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, 2*pg)

	mb, _, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	b := pages(1)
	require.NoError(t, mblock.Write(mp, mb, [][]byte{b}, pg))
	require.NoError(t, mblock.Commit(mp, mb))

	r := make([]byte, pg)

	err = mblock.Read(mp, mb, [][]byte{r}, pg/2, pg)
	assert.True(merr.Is(err, merr.InvalidArgument), "unaligned read offset")

	err = mblock.Read(mp, mb, [][]byte{r}, 2*pg, pg)
	assert.True(merr.Is(err, merr.InvalidArgument), "read offset at capacity")

	err = mblock.Read(mp, mb, [][]byte{make([]byte, 2*pg)}, 0, 2*pg)
	assert.True(merr.Is(err, merr.InvalidArgument), "read past written length")

	assert.NoError(mblock.Read(mp, mb, nil, 0, 0))
	assert.NoError(mblock.Read(mp, mb, nil, pg, 0),
		"empty read at the written length")

	mblock.Put(mp, mb)
}

func TestReadAhead(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, 2*pg)

	mb, _, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	b := pages(1)
	require.NoError(t, mblock.Write(mp, mb, [][]byte{b}, pg))
	require.NoError(t, mblock.Commit(mp, mb))

	// a prefetch probe may reach past the written length...
	r := make([]byte, 2*pg)
	require.NoError(t, mblock.ReadAhead(mp, mb, [][]byte{r}, 0, 2*pg))
	assert.True(bytes.Equal(b, r[:pg]), "the written prefix is real data")

	// ...but never past the object's extent
	err = mblock.ReadAhead(mp, mb, [][]byte{make([]byte, 3*pg)}, 0, 3*pg)
	assert.True(merr.Is(err, merr.InvalidArgument))

	mblock.Put(mp, mb)
}

func TestAbort(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, pg)

	u0 := mp.Usage(pd.ClassCapacity)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	objid := prop.Objid
	require.NoError(t, mblock.Write(mp, mb, [][]byte{pages(1)}, pg))

	require.NoError(t, mblock.Abort(mp, mb))
	require.NoError(t, mblock.Abort(mp, mb), "abort is idempotent")

	err = mblock.Commit(mp, mb)
	assert.True(merr.Is(err, merr.Busy), "abort wins over a racing commit")

	mblock.Put(mp, mb)

	_, _, err = mblock.FindGet(mp, objid, pmd.FindAny)
	assert.True(merr.Is(err, merr.NotFound), "aborted mblock is gone")

	u := mp.Usage(pd.ClassCapacity)
	assert.Equal(u0, u, "the reservation was reclaimed")
}

func TestDelete(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, pg)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)

	err = mblock.Delete(mp, mb)
	assert.True(merr.Is(err, merr.InvalidArgument), "uncommitted mblocks are aborted, not deleted")

	require.NoError(t, mblock.Commit(mp, mb))
	require.NoError(t, mblock.Delete(mp, mb))
	mblock.Put(mp, mb)

	_, _, err = mblock.FindGet(mp, prop.Objid, pmd.FindAny)
	assert.True(merr.Is(err, merr.NotFound))
}

func TestFindGet(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, pg)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	objid := prop.Objid

	_, _, err = mblock.FindGet(mp, objid, pmd.FindCommitted)
	assert.True(merr.Is(err, merr.NotFound), "uncommitted excluded by the selector")

	got, gotProp, err := mblock.FindGet(mp, objid, pmd.FindAny)
	require.NoError(t, err)
	assert.Equal(objid, gotProp.Objid)
	mblock.Put(mp, got)

	require.NoError(t, mblock.Commit(mp, mb))
	got, gotProp, err = mblock.FindGet(mp, objid, pmd.FindCommitted)
	require.NoError(t, err)
	assert.True(gotProp.IsCommitted)
	mblock.Put(mp, got)

	_, _, err = mblock.FindGet(mp, oid.Make(12345, oid.TypeMblock), pmd.FindAny)
	assert.True(merr.Is(err, merr.NotFound))

	_, _, err = mblock.FindGet(mp, oid.Make(1, oid.TypeMlog), pmd.FindAny)
	assert.True(merr.Is(err, merr.InvalidArgument), "not an mblock id")

	mblock.Put(mp, mb)
}

func TestRealloc(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, 2*pg)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	objid := prop.Objid
	require.NoError(t, mblock.Write(mp, mb, [][]byte{pages(1)}, pg))
	mblock.Put(mp, mb)

	// recovery path: the id survives, the content does not
	mb2, prop2, err := mblock.Realloc(mp, objid, pd.ClassCapacity, false)
	require.NoError(t, err)
	assert.Equal(objid, prop2.Objid)
	assert.Equal(uint64(0), prop2.WriteLen)

	require.NoError(t, mblock.Commit(mp, mb2))
	_, _, err = mblock.Realloc(mp, objid, pd.ClassCapacity, false)
	assert.True(merr.Is(err, merr.InvalidArgument), "committed mblocks cannot be reallocated")

	_, _, err = mblock.Realloc(mp, oid.Make(1, oid.TypeMlog), pd.ClassCapacity, false)
	assert.True(merr.Is(err, merr.InvalidArgument))

	_, _, err = mblock.Realloc(mp, oid.Make(54321, oid.TypeMblock), pd.ClassCapacity, false)
	assert.True(merr.Is(err, merr.NotFound))

	mblock.Put(mp, mb2)
}

func TestAllocCap(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, pg)

	mb, prop, err := mblock.AllocCap(mp, pd.ClassCapacity, 3*pg+1, false)
	require.NoError(t, err)
	assert.Equal(4*pg, prop.AllocCap, "capacity target rounds up to whole zones")

	px, err := mblock.GetPropsEx(mp, mb)
	require.NoError(t, err)
	assert.Equal(uint64(4), px.ZoneCnt)
	assert.Equal(prop.AllocCap, px.AllocCap)

	mblock.Put(mp, mb)
}

func TestAllocNoSuchClass(t *testing.T) {
	mp := testPool(t, pg)
	_, _, err := mblock.Alloc(mp, pd.ClassStaging, false)
	assert.True(t, merr.Is(err, merr.InvalidArgument))
}

func TestNilHandle(t *testing.T) {
	assert := assert.New(t)
	mp := testPool(t, pg)

	assert.True(merr.Is(mblock.Commit(mp, nil), merr.InvalidArgument))
	assert.True(merr.Is(mblock.Abort(mp, nil), merr.InvalidArgument))
	assert.True(merr.Is(mblock.Delete(mp, nil), merr.InvalidArgument))
	assert.True(merr.Is(mblock.Write(mp, nil, nil, 0), merr.InvalidArgument))
	assert.True(merr.Is(mblock.Read(mp, nil, nil, 0, 0), merr.InvalidArgument))
	_, err := mblock.GetProps(mp, nil)
	assert.True(merr.Is(err, merr.InvalidArgument))

	mblock.Put(mp, nil) // must not panic
}

func TestIsMblockObjid(t *testing.T) {
	assert.True(t, mblock.IsMblockObjid(oid.Make(1, oid.TypeMblock)))
	assert.False(t, mblock.IsMblockObjid(oid.Make(1, oid.TypeMlog)))
	assert.False(t, mblock.IsMblockObjid(0))
}

func TestConcurrentMblocks(t *testing.T) {
	mp := testPool(t, 2*pg)

	// writers on distinct mblocks proceed independently
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			mb, _, err := mblock.Alloc(mp, pd.ClassCapacity, false)
			if err != nil {
				return err
			}
			defer mblock.Put(mp, mb)

			b := pages(2)
			if err := mblock.Write(mp, mb, [][]byte{b}, 2*pg); err != nil {
				return err
			}
			if err := mblock.Commit(mp, mb); err != nil {
				return err
			}
			r := make([]byte, 2*pg)
			if err := mblock.Read(mp, mb, [][]byte{r}, 0, 2*pg); err != nil {
				return err
			}
			if !bytes.Equal(b, r) {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestConcurrentReaders(t *testing.T) {
	mp := testPool(t, 2*pg)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	b := pages(2)
	require.NoError(t, mblock.Write(mp, mb, [][]byte{b}, 2*pg))
	require.NoError(t, mblock.Commit(mp, mb))

	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			got, _, err := mblock.FindGet(mp, prop.Objid, pmd.FindCommitted)
			if err != nil {
				return err
			}
			defer mblock.Put(mp, got)

			r := make([]byte, pg)
			if err := mblock.Read(mp, got, [][]byte{r}, pg, pg); err != nil {
				return err
			}
			if !bytes.Equal(b[pg:], r) {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	mblock.Put(mp, mb)
}

func TestPersistence(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(4096)
	mkdev := func() pd.Dev {
		return pd.NewDiskDev(d, pd.Props{
			Name:      "mem0",
			Class:     pd.ClassCapacity,
			OptIoSize: pg,
			ZoneSize:  pg,
		})
	}
	params := mpool.Params{Name: "mptest", CapDefault: 2 * pg, MdRecords: 64}
	require.NoError(t, mpool.Create(params, []pd.Dev{mkdev()}))

	mp, err := mpool.Activate(params, []pd.Dev{mkdev()})
	require.NoError(t, err)

	mb, prop, err := mblock.Alloc(mp, pd.ClassCapacity, false)
	require.NoError(t, err)
	b := pages(1)
	require.NoError(t, mblock.Write(mp, mb, [][]byte{b}, pg))
	require.NoError(t, mblock.Commit(mp, mb))
	mblock.Put(mp, mb)
	require.NoError(t, mp.Deactivate())

	// the same media activated again serves the committed mblock
	mp2, err := mpool.Activate(params, []pd.Dev{mkdev()})
	require.NoError(t, err)
	defer mp2.Deactivate()

	got, gotProp, err := mblock.FindGet(mp2, prop.Objid, pmd.FindCommitted)
	require.NoError(t, err)
	assert.Equal(pg, gotProp.WriteLen)

	r := make([]byte, pg)
	require.NoError(t, mblock.Read(mp2, got, [][]byte{r}, 0, pg))
	assert.True(bytes.Equal(b, r))
	mblock.Put(mp2, got)
}
