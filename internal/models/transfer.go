package models

import "time"

// Direction is the data flow of a Transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TransferStatus is the lifecycle state of a Transfer.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in-progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
)

// Transfer is a single SFTP upload or download with progress accounting.
type Transfer struct {
	ID               string
	ConnectionID     string
	Direction        Direction
	LocalPath        string
	RemotePath       string
	Size             int64
	BytesTransferred int64
	Status           TransferStatus
	StartTime        time.Time
	EndTime          time.Time
	Error            string

	// lastReportedPct is the last progress percentage an event was fired
	// for, used to enforce the 5% emission granularity.
	lastReportedPct int
}

// Progress returns round(100*bytesTransferred/size). When size is 0 it
// avoids the division and returns 100 once Status is completed, 0 before
// that.
func (t *Transfer) Progress() int {
	if t.Size <= 0 {
		if t.Status == TransferCompleted {
			return 100
		}
		return 0
	}
	pct := float64(t.BytesTransferred) * 100 / float64(t.Size)
	return int(pct + 0.5)
}

// ShouldEmit reports whether the current progress has crossed a 5% boundary
// (or the status is terminal) since the last emitted event, and records the
// new watermark as a side effect.
func (t *Transfer) ShouldEmit() bool {
	pct := t.Progress()
	terminal := t.Status == TransferCompleted || t.Status == TransferFailed
	if terminal || pct/5 > t.lastReportedPct/5 || (t.lastReportedPct == 0 && pct > 0) {
		t.lastReportedPct = pct
		return true
	}
	return false
}
