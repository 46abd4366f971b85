// Package mpool ties pool drives and the object directory together
// into an activated pool that the object layers operate on.
package mpool

import (
	"go.uber.org/zap"

	"github.com/mblocks/mpool/merr"
	"github.com/mblocks/mpool/mplog"
	"github.com/mblocks/mpool/pd"
	"github.com/mblocks/mpool/pmd"
)

// Params configures pool creation and activation.
type Params struct {
	Name       string
	CapDefault uint64 // default mblock capacity in bytes
	SparePct   uint8  // percent of each drive's zones kept as spares
	MdRecords  uint64 // metadata log capacity, records per half
	Logger     *zap.SugaredLogger
}

func (p *Params) dirParams() pmd.Params {
	return pmd.Params{
		Name:       p.Name,
		CapDefault: p.CapDefault,
		SparePct:   p.SparePct,
		MdRecords:  p.MdRecords,
	}
}

// Pool is an activated mpool.
type Pool struct {
	name string
	dir  *pmd.Dir
	log  *zap.SugaredLogger
}

// Create formats the drives for a new pool. The drives stay open and
// unowned; activate them to use the pool.
func Create(params Params, devs []pd.Dev) error {
	return pmd.FormatDir(devs, params.dirParams())
}

// Activate brings a previously created pool online, replaying the
// directory's metadata. The pool takes ownership of the drives until
// Deactivate.
func Activate(params Params, devs []pd.Dev) (*Pool, error) {
	log := params.Logger
	if log == nil {
		log = mplog.Nop()
	}
	dir, err := pmd.ActivateDir(devs, params.dirParams(), log)
	if err != nil {
		return nil, err
	}
	return &Pool{name: params.Name, dir: dir, log: log}, nil
}

// Deactivate flushes and closes the pool's drives. The caller must
// ensure no operation is in flight; the pool is unusable afterwards.
func (mp *Pool) Deactivate() error {
	return mp.dir.Close()
}

// Destroy zeroes the pool's superblock and closes the drives. The
// drives no longer activate as this pool; object data is abandoned in
// place.
func (mp *Pool) Destroy() error {
	if err := mp.dir.Erase(); err != nil {
		return err
	}
	return mp.dir.Close()
}

// Name returns the pool name.
func (mp *Pool) Name() string {
	if mp == nil {
		return ""
	}
	return mp.name
}

// Dir exposes the pool's object directory to the object layers.
func (mp *Pool) Dir() *pmd.Dir {
	return mp.dir
}

// Log returns the pool's logger.
func (mp *Pool) Log() *zap.SugaredLogger {
	return mp.log
}

// Usage reports space usage for one media class, or for the whole
// pool when mclass is ClassUndef.
func (mp *Pool) Usage(mclass pd.Class) pmd.Usage {
	return mp.dir.UsageByClass(mclass)
}

// MclassCnt returns the number of media classes with drives in the
// pool.
func (mp *Pool) MclassCnt() uint32 {
	return uint32(len(mp.dir.MclassProps()))
}

// MclassProps enumerates drive properties, one entry per media class.
func (mp *Pool) MclassProps() []pd.Props {
	return mp.dir.MclassProps()
}

// DevPropsByName reports the properties of the named drive.
func (mp *Pool) DevPropsByName(name string) (pd.Props, error) {
	for _, p := range mp.dir.DrivesProps() {
		if p.Name == name {
			return p, nil
		}
	}
	return pd.Props{}, merr.New(merr.NotFound, mp.name, 0, "no drive %q", name)
}
