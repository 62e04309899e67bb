package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScanRecord is one completed scan: a barcode with the product and health
// assessment that were current when the scan finished.
type ScanRecord struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id,omitempty"`
	Barcode   string            `json:"barcode"`
	Product   *Product          `json:"product"`
	Analysis  *HealthAssessment `json:"analysis"`
	Timestamp time.Time         `json:"timestamp"`

	// ClientID is the id the device first gave the record. It survives the
	// remote write, so a record pushed twice is stored once.
	ClientID string `json:"client_id,omitempty"`

	// Synced is set once the remote store confirmed the write.
	Synced bool `json:"cloud_synced"`
}

var ErrInvalidRecord = errors.New("invalid scan record")

// NewScanRecord builds an unsynced record with a device-local id.
func NewScanRecord(barcode string, product *Product, analysis *HealthAssessment, at time.Time) ScanRecord {
	id := LocalID(barcode, at)
	return ScanRecord{
		ID:        id,
		ClientID:  id,
		Barcode:   barcode,
		Product:   product,
		Analysis:  analysis,
		Timestamp: at,
	}
}

// LocalID is the id given to records that have not been assigned one by the
// remote store.
func LocalID(barcode string, at time.Time) string {
	return fmt.Sprintf("%s-%d", barcode, at.UnixMilli())
}

// Validate rejects records that lack either half of the scan result.
func (r *ScanRecord) Validate() error {
	if strings.TrimSpace(r.Barcode) == "" {
		return fmt.Errorf("%w: empty barcode", ErrInvalidRecord)
	}
	if r.Product == nil {
		return fmt.Errorf("%w: missing product", ErrInvalidRecord)
	}
	if r.Analysis == nil {
		return fmt.Errorf("%w: missing analysis", ErrInvalidRecord)
	}
	if err := r.Analysis.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// SortNewestFirst orders records by timestamp, most recent first.
func SortNewestFirst(records []ScanRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
