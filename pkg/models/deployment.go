package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStale is returned by conditional writes whose precondition no longer holds.
	ErrStale = errors.New("deployment changed concurrently")
)

// Deployment tracks one running (or pending) instance of a challenge. A nil
// TeamID marks a static deployment shared by every team.
type Deployment struct {
	ID          int64          `gorm:"primaryKey"`
	TeamID      *int64         `gorm:"index"`
	ChallengeID int64          `gorm:"not null;index"`
	Deployed    bool           `gorm:"not null"`
	Data        datatypes.JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiredAt   *time.Time `gorm:"index"`
	DestroyedAt *time.Time
}

func (d *Deployment) Static() bool { return d.TeamID == nil }

// Active reports whether the row still counts against the one-per-key rule.
func (d *Deployment) Active() bool { return d.DestroyedAt == nil }

// DecodeData parses the stored data column. It returns nil when the column is NULL.
func (d *Deployment) DecodeData() (*DeploymentData, error) {
	if len(d.Data) == 0 || string(d.Data) == "null" {
		return nil, nil
	}
	var data DeploymentData
	if err := json.Unmarshal(d.Data, &data); err != nil {
		return nil, fmt.Errorf("decode deployment %d data: %w", d.ID, err)
	}
	return &data, nil
}

// activeIndexSQL backs the at-most-one-active-deployment invariant at the
// storage level. Both sqlite and postgres accept partial expression indexes.
const activeIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_deployments_active
ON deployments (challenge_id, COALESCE(team_id, -1)) WHERE destroyed_at IS NULL`

func Migrate(db *gorm.DB, referenceTables bool) error {
	if referenceTables {
		if err := db.AutoMigrate(&Challenge{}, &Team{}); err != nil {
			return err
		}
	}
	if err := db.AutoMigrate(&Deployment{}); err != nil {
		return err
	}
	return db.Exec(activeIndexSQL).Error
}

func CreateDeployment(db *gorm.DB, challengeID int64, teamID *int64) (*Deployment, error) {
	deployment := &Deployment{
		ChallengeID: challengeID,
		TeamID:      teamID,
	}
	result := db.Create(deployment)
	return deployment, result.Error
}

func GetDeployment(db *gorm.DB, id int64, lock bool) (*Deployment, error) {
	var deployment Deployment
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	result := q.Where("id = ?", id).Limit(1).Find(&deployment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &deployment, nil
}

// GetActiveDeployment finds the non-destroyed deployment for a challenge and
// team. A nil teamID matches only static deployments.
func GetActiveDeployment(db *gorm.DB, challengeID int64, teamID *int64, lock bool) (*Deployment, error) {
	var deployment Deployment
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	q = q.Where("challenge_id = ? AND destroyed_at IS NULL", challengeID)
	if teamID == nil {
		q = q.Where("team_id IS NULL")
	} else {
		q = q.Where("team_id = ?", *teamID)
	}
	result := q.Order("id DESC").Limit(1).Find(&deployment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &deployment, nil
}

// MarkDeployed records a successful deployment in a single write.
func MarkDeployed(db *gorm.DB, deployment *Deployment, data *DeploymentData, expiredAt *time.Time) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	result := db.Model(&Deployment{}).
		Where("id = ? AND destroyed_at IS NULL", deployment.ID).
		Updates(map[string]any{
			"deployed":   true,
			"data":       datatypes.JSON(raw),
			"expired_at": expiredAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	deployment.Deployed = true
	deployment.Data = raw
	deployment.ExpiredAt = expiredAt
	return nil
}

func DeleteDeployment(db *gorm.DB, deployment *Deployment) error {
	return db.Delete(&Deployment{}, deployment.ID).Error
}

// MarkTearingDown takes a live deployment out of service ahead of teardown.
// The row keeps its data and stays active, so no second deployment for the
// same challenge and team can be created until MarkDestroyed. It returns
// ErrStale when the row is no longer deployed.
func MarkTearingDown(db *gorm.DB, deployment *Deployment) error {
	result := db.Model(&Deployment{}).
		Where("id = ? AND destroyed_at IS NULL AND deployed = ?", deployment.ID, true).
		Update("deployed", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	deployment.Deployed = false
	return nil
}

// MarkDestroyed records that a deployment's resources are gone.
func MarkDestroyed(db *gorm.DB, deployment *Deployment, at time.Time) error {
	result := db.Model(&Deployment{}).
		Where("id = ? AND destroyed_at IS NULL", deployment.ID).
		Updates(map[string]any{
			"destroyed_at": at,
			"deployed":     false,
			"data":         nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	deployment.DestroyedAt = &at
	deployment.Deployed = false
	deployment.Data = nil
	return nil
}

// RestoreDeployment puts a deployment back in service after a failed teardown.
func RestoreDeployment(db *gorm.DB, deployment *Deployment) error {
	result := db.Model(&Deployment{}).
		Where("id = ? AND destroyed_at IS NULL AND deployed = ?", deployment.ID, false).
		Update("deployed", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	deployment.Deployed = true
	return nil
}

// GetStalledDeployments returns active rows that are not deployed and whose
// last state change happened at or before the given time. These are deploys
// or teardowns whose worker never finished.
func GetStalledDeployments(db *gorm.DB, before time.Time) ([]Deployment, error) {
	var deployments []Deployment
	result := db.Where("deployed = ? AND destroyed_at IS NULL AND updated_at <= ?", false, before).
		Order("id ASC").
		Find(&deployments)
	return deployments, result.Error
}

// GetExpiringDeployments returns live team deployments that expire at or
// before the given time, earliest first.
func GetExpiringDeployments(db *gorm.DB, before time.Time) ([]Deployment, error) {
	var deployments []Deployment
	result := db.Where("deployed = ? AND destroyed_at IS NULL AND team_id IS NOT NULL AND expired_at IS NOT NULL AND expired_at <= ?", true, before).
		Order("expired_at ASC").
		Find(&deployments)
	return deployments, result.Error
}

func GetActiveDeployments(db *gorm.DB) ([]Deployment, error) {
	var deployments []Deployment
	result := db.Where("destroyed_at IS NULL").Order("id ASC").Find(&deployments)
	return deployments, result.Error
}
