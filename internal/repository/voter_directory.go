package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/example/face-verify/internal/logging"
)

// ErrVoterNotFound is returned when no voter has the requested identifier.
var ErrVoterNotFound = errors.New("voter not found")

// VoterRecord is the subset of the voter table read by this service. The
// table is owned by the voter registry; this package never writes to it.
type VoterRecord struct {
	ID        uint      `gorm:"primaryKey"`
	VoterID   string    `gorm:"column:voter_id;uniqueIndex;size:64"`
	PhotoURL  string    `gorm:"column:photo_url;size:1024"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (VoterRecord) TableName() string {
	return "voters"
}

// VoterDirectory looks up registered photo locations directly in SQL.
type VoterDirectory struct {
	db *gorm.DB
}

// NewVoterDirectory creates a directory over db.
func NewVoterDirectory(db *gorm.DB) *VoterDirectory {
	return &VoterDirectory{db: db}
}

// PhotoURL returns the stored photo location for voterID.
func (d *VoterDirectory) PhotoURL(ctx context.Context, voterID string) (string, error) {
	var rec VoterRecord
	err := d.db.WithContext(ctx).
		Select("voter_id", "photo_url").
		Where("voter_id = ?", voterID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", logging.NewOperationError("repository.voter_photo_url", "", ErrVoterNotFound)
	}
	if err != nil {
		return "", logging.NewOperationError("repository.voter_photo_url", "", err)
	}
	return rec.PhotoURL, nil
}
