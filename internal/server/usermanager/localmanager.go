package usermanager

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/hydrascope/dcrfgate/internal/multiplex"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var u64 = binary.BigEndian.Uint64

func i64ToB(value int64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, uint64(value))
	return oct
}

func bToBool(b []byte) *bool {
	if b == nil {
		return nil
	}
	return JustBool(len(b) == 1 && b[0] == 1)
}

func boolToB(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// localManager keeps principals in a bbolt database, one bucket per principal keyed by its id
type localManager struct {
	db *bolt.DB
}

func MakeLocalManager(dbPath string) (*localManager, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &localManager{db: db}, nil
}

func readPrincipal(id int64, bucket *bolt.Bucket) PrincipalInfo {
	info := PrincipalInfo{ID: id}
	if username := bucket.Get([]byte("Username")); username != nil {
		info.Username = JustString(string(username))
	}
	info.IsStaff = bToBool(bucket.Get([]byte("IsStaff")))
	info.Active = bToBool(bucket.Get([]byte("Active")))
	return info
}

func (manager *localManager) ResolvePrincipal(ctx context.Context, id int64) (*multiplex.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := manager.GetPrincipal(id)
	if err != nil {
		return nil, err
	}
	log.WithField("principal", id).Trace("principal resolved from database")
	return principalOf(info), nil
}

func (manager *localManager) ListAllPrincipals() (infos []PrincipalInfo, err error) {
	err = manager.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(key []byte, bucket *bolt.Bucket) error {
			if len(key) != 8 {
				return nil
			}
			infos = append(infos, readPrincipal(int64(u64(key)), bucket))
			return nil
		})
	})
	if infos == nil {
		infos = []PrincipalInfo{}
	}
	return
}

func (manager *localManager) GetPrincipal(id int64) (info PrincipalInfo, err error) {
	err = manager.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(i64ToB(id))
		if bucket == nil {
			return ErrPrincipalNotFound
		}
		info = readPrincipal(id, bucket)
		return nil
	})
	return
}

func (manager *localManager) WritePrincipal(p PrincipalInfo) error {
	return manager.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(i64ToB(p.ID))
		if err != nil {
			return err
		}
		if p.Username != nil {
			if err = bucket.Put([]byte("Username"), []byte(*p.Username)); err != nil {
				return err
			}
		}
		if p.IsStaff != nil {
			if err = bucket.Put([]byte("IsStaff"), boolToB(*p.IsStaff)); err != nil {
				return err
			}
		}
		if p.Active != nil {
			if err = bucket.Put([]byte("Active"), boolToB(*p.Active)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (manager *localManager) DeletePrincipal(id int64) error {
	return manager.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(i64ToB(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return ErrPrincipalNotFound
		}
		return err
	})
}

func (manager *localManager) Close() error {
	return manager.db.Close()
}
