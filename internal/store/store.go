// Package store keeps in-session transfer records.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("transfer record not found")

type Direction string

const (
	Received Direction = "received"
	Sent     Direction = "sent"
)

// TransferRecord is the bookkeeping of one file transfer with one peer.
type TransferRecord struct {
	ID                 uint      `gorm:"primaryKey"`
	Peer               string    `gorm:"uniqueIndex:idx_transfer;not null"`
	Direction          Direction `gorm:"uniqueIndex:idx_transfer;not null"`
	FileID             string    `gorm:"uniqueIndex:idx_transfer;not null"`
	FileName           string
	ContentType        string
	Size               int64
	FragmentCount      int
	FragmentOffset     int
	IsFragmented       bool
	IsComplete         bool
	Error              bool
	IsResendEnable     bool
	StartedAt          time.Time
	LastPartReceivedAt *time.Time
	CompletedAt        *time.Time
}

type TransferStore struct {
	DB *gorm.DB
}

func NewTransferStore(db *gorm.DB) *TransferStore {
	return &TransferStore{DB: db}
}

// Begin inserts rec, or resets the existing record with the same key for a
// resend. The stored record is returned.
func (ts *TransferStore) Begin(rec *TransferRecord) (*TransferRecord, error) {
	rec.ID = 0
	err := ts.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "peer"}, {Name: "direction"}, {Name: "file_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_name", "content_type", "size", "fragment_count", "fragment_offset",
			"is_fragmented", "is_complete", "error", "is_resend_enable",
			"started_at", "last_part_received_at", "completed_at",
		}),
	}).Create(rec).Error
	if err != nil {
		return nil, fmt.Errorf("failed to begin transfer %s: %v", rec.FileID, err)
	}
	return ts.Get(rec.Peer, rec.Direction, rec.FileID)
}

func (ts *TransferStore) Progress(peer string, dir Direction, fileID string, offset int, at time.Time) error {
	return ts.update(peer, dir, fileID, map[string]any{
		"fragment_offset":       offset,
		"last_part_received_at": at,
	})
}

func (ts *TransferStore) Complete(peer string, dir Direction, fileID string, at time.Time) error {
	return ts.update(peer, dir, fileID, map[string]any{
		"is_complete":      true,
		"completed_at":     at,
		"error":            false,
		"is_resend_enable": false,
	})
}

func (ts *TransferStore) Fail(peer string, dir Direction, fileID string, resendable bool) error {
	return ts.update(peer, dir, fileID, map[string]any{
		"error":            true,
		"is_resend_enable": resendable,
	})
}

func (ts *TransferStore) Get(peer string, dir Direction, fileID string) (*TransferRecord, error) {
	var rec TransferRecord
	err := ts.DB.Where("peer = ? AND direction = ? AND file_id = ?", peer, dir, fileID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the records exchanged with peer, oldest first.
func (ts *TransferStore) List(peer string) ([]TransferRecord, error) {
	records := []TransferRecord{}
	if err := ts.DB.Where("peer = ?", peer).Order("started_at, id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (ts *TransferStore) Delete(peer string, dir Direction, fileID string) error {
	res := ts.DB.Where("peer = ? AND direction = ? AND file_id = ?", peer, dir, fileID).Delete(&TransferRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (ts *TransferStore) update(peer string, dir Direction, fileID string, fields map[string]any) error {
	res := ts.DB.Model(&TransferRecord{}).
		Where("peer = ? AND direction = ? AND file_id = ?", peer, dir, fileID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
