package rowstore

import (
	"context"
	"time"

	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
)

// Lock is the stored lock of a document.
type Lock struct {
	Owner   string
	Created time.Time
	// Failed is set by RemoveLock when the lock belongs to someone else.
	Failed bool
}

// GetLock returns the lock of id, or nil when it is not locked.
func (m *Mapper) GetLock(ctx context.Context, id string) (*Lock, error) {
	var lock *Lock
	err := m.read(ctx, "get lock", func(ex execer) error {
		var err error
		lock, err = m.readLock(ctx, ex, id)
		return err
	})
	return lock, err
}

// SetLock locks id for owner. When id is already locked the existing lock
// is returned unchanged; otherwise the result is nil.
func (m *Mapper) SetLock(ctx context.Context, id, owner string) (*Lock, error) {
	var existing *Lock
	err := m.write(ctx, "set lock", func(ex execer) error {
		var err error
		existing, err = m.readLock(ctx, ex, id)
		if err != nil || existing != nil {
			return err
		}
		ti, err := m.info.table(model.LocksTable)
		if err != nil {
			return err
		}
		return m.insertSimple(ctx, ex, ti, id, map[string]any{
			model.KeyLockOwner:   owner,
			model.KeyLockCreated: m.opts.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// RemoveLock unlocks id and returns the removed lock, or nil when id was not
// locked. Unless force is set, a lock held by another owner is left in place
// and returned with Failed set.
func (m *Mapper) RemoveLock(ctx context.Context, id, owner string, force bool) (*Lock, error) {
	var existing *Lock
	err := m.write(ctx, "remove lock", func(ex execer) error {
		var err error
		existing, err = m.readLock(ctx, ex, id)
		if err != nil || existing == nil {
			return err
		}
		if !force && owner != existing.Owner {
			existing.Failed = true
			return nil
		}
		ti, err := m.info.table(model.LocksTable)
		if err != nil {
			return err
		}
		_, err = m.exec(ctx, ex, model.LocksTable, ti.deleteSQL, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (m *Mapper) readLock(ctx context.Context, ex execer, id string) (*Lock, error) {
	found := map[row.RowID]*row.Row{}
	if err := m.readTable(ctx, ex, model.LocksTable, []string{id}, found); err != nil {
		return nil, err
	}
	r, ok := found[row.RowID{Table: model.LocksTable, ID: id}]
	if !ok {
		return nil, nil
	}
	lock := &Lock{}
	lock.Owner, _ = r.Get(model.KeyLockOwner).(string)
	lock.Created, _ = r.Get(model.KeyLockCreated).(time.Time)
	return lock, nil
}
