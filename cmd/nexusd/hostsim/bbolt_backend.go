// Package hostsim supplies the concrete collaborators nexusd needs to
// actually run a Core: a bbolt-backed nvstore.Backend standing in for
// the appliance's EEPROM/flash block store, and a SimHost standing in
// for the product firmware's HostCollaborators implementation.
package hostsim

import (
	"encoding/binary"
	"fmt"

	"github.com/fenwick-labs/nexuscore/nvstore"
	bolt "go.etcd.io/bbolt"
)

var blocksBucket = []byte("nvblocks")

// BboltBackend implements nvstore.Backend over a single bbolt file, one
// key per BlockID in a single bucket. This is the harness's stand-in
// for the appliance's raw flash block store.
type BboltBackend struct {
	db *bolt.DB
}

// OpenBboltBackend opens (creating if needed) the bbolt file at path.
func OpenBboltBackend(path string) (*BboltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("hostsim: opening bbolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("hostsim: provisioning bucket: %w", err)
	}
	return &BboltBackend{db: db}, nil
}

// Close releases the underlying bbolt file.
func (b *BboltBackend) Close() error {
	return b.db.Close()
}

func blockKey(id nvstore.BlockID) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(id))
	return buf
}

// ReadBlock implements nvstore.Backend.
func (b *BboltBackend) ReadBlock(id nvstore.BlockID, into []byte) bool {
	found := false
	_ = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(blockKey(id))
		if v == nil {
			return nil
		}
		copy(into, v)
		found = true
		return nil
	})
	return found
}

// WriteBlock implements nvstore.Backend.
func (b *BboltBackend) WriteBlock(id nvstore.BlockID, block []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		cp := make([]byte, len(block))
		copy(cp, block)
		return tx.Bucket(blocksBucket).Put(blockKey(id), cp)
	})
}
