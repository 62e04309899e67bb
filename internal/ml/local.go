package ml

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/franckalain/healthscan/internal/models"
)

// LocalConfig holds configuration for the local model
type LocalConfig struct {
	BaseConfig
	// AdditivePenalty is subtracted from the additives score per additive.
	AdditivePenalty float64 `json:"additive_penalty"`
	// Weights of each sub-score in the overall score; missing entries use
	// the defaults.
	Weights map[string]float64 `json:"weights"`
}

// Load loads the local configuration
func (c *LocalConfig) Load() error {
	if _, err := c.LoadConfig(c.ConfigPath, "local", c); err != nil {
		return err
	}

	if c.AdditivePenalty <= 0 {
		var penalty float64
		if _, err := fmt.Sscanf(os.Getenv("LOCAL_ADDITIVE_PENALTY"), "%g", &penalty); err == nil && penalty > 0 {
			c.AdditivePenalty = penalty
		} else {
			c.AdditivePenalty = 8
		}
	}
	return nil
}

var defaultWeights = map[string]float64{
	"nutrition":  0.40,
	"processing": 0.25,
	"additives":  0.20,
	"allergens":  0.15,
}

// LocalModel grades products offline from the data the product database
// already provides: Nutri-Score, NOVA group, additives and nutriments.
type LocalModel struct {
	config LocalConfig
}

// LocalModelFactory implements ModelFactory for local models
type LocalModelFactory struct {
	config LocalConfig
}

// NewLocalModelFactory creates a new local model factory
func NewLocalModelFactory(config LocalConfig) *LocalModelFactory {
	return &LocalModelFactory{config: config}
}

// CreateModel creates a new local model instance
func (f *LocalModelFactory) CreateModel() (Model, error) {
	return &LocalModel{
		config: f.config,
	}, nil
}

// Load is a no-op; the local model has nothing to fetch
func (m *LocalModel) Load(ctx context.Context) error {
	return nil
}

// Assess grades the product with fixed heuristics
func (m *LocalModel) Assess(ctx context.Context, product *models.Product, prefs *models.UserPreferences) (*models.HealthAssessment, error) {
	if product == nil {
		return nil, fmt.Errorf("no product to analyze")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var flags []models.RedFlag
	nutrition, nutritionFlags := nutritionScore(product)
	flags = append(flags, nutritionFlags...)

	processing := 60.0
	switch product.NovaGroup {
	case 1:
		processing = 95
	case 2:
		processing = 80
	case 3:
		processing = 55
	case 4:
		processing = 25
		flags = append(flags, models.RedFlag{
			Category:    "processing",
			Issue:       "Ultra-processed food",
			Severity:    models.SeverityMedium,
			Explanation: "NOVA group 4 products are industrial formulations linked to poorer health outcomes.",
		})
	}

	additiveCount := len(product.AdditivesTags)
	penalty := m.config.AdditivePenalty
	if penalty <= 0 {
		penalty = 8
	}
	additives := clamp(100 - penalty*float64(additiveCount))
	if additiveCount >= 5 {
		flags = append(flags, models.RedFlag{
			Category:    "additives",
			Issue:       fmt.Sprintf("%d additives", additiveCount),
			Severity:    models.SeverityMedium,
			Explanation: "A long additive list usually signals heavy processing.",
		})
	}

	allergens, allergenFlags := allergenScore(product, prefs)
	flags = append(flags, allergenFlags...)

	sub := map[string]float64{
		"nutrition":  round(nutrition),
		"processing": round(processing),
		"additives":  round(additives),
		"allergens":  round(allergens),
	}
	overall := 0.0
	totalWeight := 0.0
	for name, score := range sub {
		w, ok := m.config.Weights[name]
		if !ok {
			w = defaultWeights[name]
		}
		overall += w * score
		totalWeight += w
	}
	if totalWeight > 0 {
		overall /= totalWeight
	}
	overall = round(clamp(overall))

	return &models.HealthAssessment{
		OverallScore:   overall,
		SubScores:      sub,
		RedFlags:       flags,
		Recommendation: recommendation(overall),
		Explanation: fmt.Sprintf("Offline estimate for %s from Nutri-Score %q, NOVA group %d and %d additives.",
			product.DisplayName(), strings.ToUpper(product.NutriscoreGrade), product.NovaGroup, additiveCount),
	}, nil
}

func nutritionScore(p *models.Product) (float64, []models.RedFlag) {
	var flags []models.RedFlag
	score := 60.0
	switch strings.ToLower(p.NutriscoreGrade) {
	case "a":
		score = 90
	case "b":
		score = 75
	case "c":
		score = 55
	case "d":
		score = 35
	case "e":
		score = 15
	}

	limits := []struct {
		key, label string
		high       float64
	}{
		{"sugars_100g", "High sugar", 22.5},
		{"saturated-fat_100g", "High saturated fat", 5},
		{"salt_100g", "High salt", 1.5},
	}
	for _, l := range limits {
		v, ok := p.Nutriment(l.key)
		if !ok || v <= l.high {
			continue
		}
		score -= 10
		flags = append(flags, models.RedFlag{
			Category:    "nutrition",
			Issue:       l.label,
			Severity:    models.SeverityHigh,
			Explanation: fmt.Sprintf("%.1fg per 100g is above the %.1fg threshold.", v, l.high),
		})
	}
	if fiber, ok := p.Nutriment("fiber_100g"); ok && fiber >= 6 {
		score += 5
	}
	return clamp(score), flags
}

func allergenScore(p *models.Product, prefs *models.UserPreferences) (float64, []models.RedFlag) {
	if prefs.Empty() {
		return 100, nil
	}
	haystack := strings.ToLower(p.AllergensEn + " " + p.Ingredients())

	var flags []models.RedFlag
	score := 100.0
	for _, allergy := range prefs.Allergies {
		a := strings.ToLower(strings.TrimSpace(allergy))
		if a == "" || !strings.Contains(haystack, a) {
			continue
		}
		score = 0
		flags = append(flags, models.RedFlag{
			Category:    "allergens",
			Issue:       "Contains " + allergy,
			Severity:    models.SeverityHigh,
			Explanation: "This product lists an ingredient you marked as an allergy.",
		})
	}

	animal := []string{"milk", "egg", "honey", "gelatin", "meat", "fish", "beef", "pork", "chicken"}
	for _, diet := range prefs.Diet {
		if !strings.EqualFold(diet, "vegan") {
			continue
		}
		for _, word := range animal {
			if strings.Contains(haystack, word) {
				score = math.Min(score, 40)
				flags = append(flags, models.RedFlag{
					Category:    "diet",
					Issue:       "Not vegan: contains " + word,
					Severity:    models.SeverityMedium,
					Explanation: "The ingredient list mentions an animal product.",
				})
				break
			}
		}
	}
	return score, flags
}

func recommendation(score float64) string {
	switch {
	case score >= 80:
		return "Good choice for a health-conscious diet."
	case score >= 60:
		return "Fine in moderation."
	default:
		return "Consider a healthier alternative."
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round(v float64) float64 {
	return math.Round(v*10) / 10
}
