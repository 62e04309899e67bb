package ml

import (
	"context"
	"fmt"

	"github.com/franckalain/healthscan/internal/models"
)

// Model represents a health analysis model that grades products
type Model interface {
	// Load initializes the model with its configuration
	Load(ctx context.Context) error
	// Assess grades a product, optionally taking dietary preferences into
	// account. prefs may be nil.
	Assess(ctx context.Context, product *models.Product, prefs *models.UserPreferences) (*models.HealthAssessment, error)
}

// ModelFactory creates a new model instance based on configuration
type ModelFactory interface {
	// CreateModel creates a new model instance
	CreateModel() (Model, error)
}

// NewModel creates a new model instance based on the model type. configPath
// points at the model's own settings file and may be empty.
func NewModel(modelType, configPath string) (Model, error) {
	var factory ModelFactory

	switch modelType {
	case "google":
		config := GoogleConfig{
			BaseConfig: BaseConfig{
				ConfigPath: configPath,
			},
		}
		if err := config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load Google config: %w", err)
		}
		factory = NewGoogleModelFactory(config)
	case "local":
		config := LocalConfig{
			BaseConfig: BaseConfig{
				ConfigPath: configPath,
			},
		}
		if err := config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load local config: %w", err)
		}
		factory = NewLocalModelFactory(config)
	default:
		return nil, fmt.Errorf("unsupported model type: %s", modelType)
	}
	return factory.CreateModel()
}
