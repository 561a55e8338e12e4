package store

import "time"

// TransferRepository defines transfer record operations.
type TransferRepository interface {
	Begin(rec *TransferRecord) (*TransferRecord, error)
	Progress(peer string, dir Direction, fileID string, offset int, at time.Time) error
	Complete(peer string, dir Direction, fileID string, at time.Time) error
	Fail(peer string, dir Direction, fileID string, resendable bool) error
	Get(peer string, dir Direction, fileID string) (*TransferRecord, error)
	List(peer string) ([]TransferRecord, error)
	Delete(peer string, dir Direction, fileID string) error
}
