package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/franckalain/healthscan/internal/models"
)

// Profile holds a user's onboarding answers. Diet is stored either as a
// single string or as a list, depending on which client wrote it.
type Profile struct {
	ID        string         `gorm:"primaryKey;type:varchar(128)"`
	FirstName *string        `gorm:"type:varchar(128)"`
	LastName  *string        `gorm:"type:varchar(128)"`
	Diet      datatypes.JSON
	Allergies datatypes.JSON
}

func (Profile) TableName() string { return "profiles" }

// Preferences returns userID's dietary preferences, or nil when the user has
// no profile yet.
func (s *GormStore) Preferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	prefs := &models.UserPreferences{
		Diet:      stringList(profile.Diet),
		Allergies: stringList(profile.Allergies),
	}
	return prefs, nil
}

// SavePreferences upserts the dietary part of userID's profile.
func (s *GormStore) SavePreferences(ctx context.Context, userID string, prefs models.UserPreferences) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	diet, err := json.Marshal(prefs.Diet)
	if err != nil {
		return err
	}
	allergies, err := json.Marshal(prefs.Allergies)
	if err != nil {
		return err
	}

	profile := Profile{ID: userID}
	err = s.db.WithContext(ctx).
		Where(Profile{ID: userID}).
		Assign(Profile{Diet: datatypes.JSON(diet), Allergies: datatypes.JSON(allergies)}).
		FirstOrCreate(&profile).Error
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func stringList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && strings.TrimSpace(single) != "" {
		return []string{single}
	}
	return nil
}
