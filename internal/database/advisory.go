// internal/database/advisory.go
package database

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
)

// LockClass namespaces advisory lock keys so a lobby and a party with the same numeric id
// never share a lock.
type LockClass uint8

const (
	LockLobby LockClass = 1
	LockGroup LockClass = 2
	LockParty LockClass = 3
)

func (c LockClass) String() string {
	switch c {
	case LockLobby:
		return "lobby"
	case LockGroup:
		return "group"
	case LockParty:
		return "party"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

const lockIDBits = 56

// LockKey packs class into the high 8 bits and id into the low 56 bits of a signed 64-bit key.
func LockKey(class LockClass, id int64) (int64, error) {
	if class == 0 || class > 127 {
		return 0, apperr.Validation("lock_class", "unknown lock class")
	}
	if id < 0 || id >= 1<<lockIDBits {
		return 0, apperr.Validation("lock_id", "id out of lockable range")
	}
	return int64(class)<<lockIDBits | id, nil
}

// AcquireLock takes the transaction-scoped advisory lock for (class, id), blocking until it is
// available. It is released automatically at commit or rollback. On SQLite it is a no-op because
// write transactions are already serialized.
func (tx *Tx) AcquireLock(ctx context.Context, class LockClass, id int64) error {
	key, err := LockKey(class, id)
	if err != nil {
		return err
	}
	if tx.engine != enginePostgres {
		return nil
	}
	if _, err := tx.c.exec(ctx, `SELECT pg_advisory_xact_lock(?)`, key); err != nil {
		return apperr.Unavailable(fmt.Sprintf("advisory lock %s/%d", class, id), err)
	}
	return nil
}
