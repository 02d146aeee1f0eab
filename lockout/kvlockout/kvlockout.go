// Package kvlockout implements a lockout tracker in a badger database.
package kvlockout

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zephyrtronium/roleassign/lockout"
)

/*
Key structure:
	"lockout" \xff community \xff member
Value is the switch time as nanoseconds since the Unix epoch, little endian.

Each record is written with a TTL of the community's cooldown at the time of
the switch, so badger discards records once they can no longer lock anyone.
Records under an indefinite lockout have no TTL, but an indefinite lockout
never consults them anyway.
*/

// Tracker is a lockout tracker backed by badger.
type Tracker struct {
	db *badger.DB
}

var _ lockout.Tracker = (*Tracker)(nil)

// New creates a tracker in db.
// The db must remain open for the lifetime of the tracker.
func New(db *badger.DB) *Tracker {
	return &Tracker{db: db}
}

func recordKey(community, member string) []byte {
	b := make([]byte, 0, len("lockout")+2+len(community)+len(member))
	b = append(b, "lockout\xff"...)
	b = append(b, community...)
	b = append(b, '\xff')
	b = append(b, member...)
	return b
}

// Record records a switch.
func (t *Tracker) Record(ctx context.Context, community, member string, at time.Time, keep time.Duration) error {
	v := binary.LittleEndian.AppendUint64(nil, uint64(at.UnixNano()))
	e := badger.NewEntry(recordKey(community, member), v)
	if keep > 0 {
		// Badger's TTLs have second resolution. Round up so that we never
		// forget a record while it could still lock someone.
		e = e.WithTTL(keep + time.Second)
	}
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("couldn't record lockout for %s in %s: %w", member, community, err)
	}
	return nil
}

// Last returns the member's last switch.
func (t *Tracker) Last(ctx context.Context, community, member string) (time.Time, bool, error) {
	var at time.Time
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(community, member))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("malformed lockout record of length %d", len(val))
			}
			at = time.Unix(0, int64(binary.LittleEndian.Uint64(val)))
			return nil
		})
	})
	switch {
	case err == nil:
		return at, true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("couldn't read lockout for %s in %s: %w", member, community, err)
	}
}
