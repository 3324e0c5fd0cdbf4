package cache

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"doverie/internal/models"
)

var (
	bucketDialogs  = []byte("dialogs")
	bucketMessages = []byte("messages")
)

// BboltStore is the warm-start cache. It holds the last reconciled
// dialog list and per-dialog message slices so a restarted client can
// render immediately while the live refresh runs.
type BboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDialogs); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// SaveDialogs replaces the stored dialog list with the given snapshot.
func (s *BboltStore) SaveDialogs(dialogs []models.Dialog) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketDialogs); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketDialogs)
		if err != nil {
			return err
		}
		for _, d := range dialogs {
			dbDialog := toDBDialog(d)
			data, err := dbDialog.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(dbDialog.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStore) LoadDialogs() ([]models.Dialog, error) {
	var dialogs []models.Dialog
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDialogs)
		return b.ForEach(func(k, v []byte) error {
			var dbDialog DBDialog
			if err := dbDialog.UnmarshalBinary(v); err != nil {
				return err
			}
			dialogs = append(dialogs, dbDialog.toModel())
			return nil
		})
	})
	return dialogs, err
}

// SaveMessages replaces the snapshot for one dialog. The in-memory slice
// is already merged and sorted, so the whole per-dialog bucket is
// rewritten rather than upserted.
func (s *BboltStore) SaveMessages(dialogID string, msgs []models.Message) error {
	if dialogID == "" {
		return fmt.Errorf("empty dialog id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		if root.Bucket([]byte(dialogID)) != nil {
			if err := root.DeleteBucket([]byte(dialogID)); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket([]byte(dialogID))
		if err != nil {
			return fmt.Errorf("failed to create dialog bucket: %w", err)
		}
		for _, m := range msgs {
			dbMsg := toDBMessage(m)
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := b.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// LoadMessages returns the cached messages for a dialog in creation
// order. A dialog with no snapshot yields nil.
func (s *BboltStore) LoadMessages(dialogID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(dialogID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			msgs = append(msgs, dbMsg.toModel())
			return nil
		})
	})
	return msgs, err
}
