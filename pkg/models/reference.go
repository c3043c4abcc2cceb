package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Challenge and Team mirror the platform-owned reference tables. The deployer
// only ever reads them.
type Challenge struct {
	ID       int64  `gorm:"primaryKey"`
	PublicID string `gorm:"uniqueIndex;not null"`
}

type Team struct {
	ID       int64  `gorm:"primaryKey"`
	PublicID string `gorm:"uniqueIndex;not null"`
}

func GetChallengePublicID(db *gorm.DB, id int64) (string, error) {
	var c Challenge
	result := db.Where("id = ?", id).Limit(1).Find(&c)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", fmt.Errorf("challenge %d: %w", id, ErrNotFound)
	}
	return c.PublicID, nil
}

func GetTeamPublicID(db *gorm.DB, id int64) (string, error) {
	var t Team
	result := db.Where("id = ?", id).Limit(1).Find(&t)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", fmt.Errorf("team %d: %w", id, ErrNotFound)
	}
	return t.PublicID, nil
}

// GetChallengeID maps a challenge slug to its platform id.
func GetChallengeID(db *gorm.DB, publicID string) (int64, error) {
	var c Challenge
	result := db.Where("public_id = ?", publicID).Limit(1).Find(&c)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("challenge %q: %w", publicID, ErrNotFound)
	}
	return c.ID, nil
}
