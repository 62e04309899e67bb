package ml

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/franckalain/healthscan/internal/models"
)

const analysisPrompt = `You are an expert product health analyzer. Given detailed JSON data for a food or consumable product, analyze it holistically from a health-conscious perspective, prioritizing natural, whole-food ingredients and avoiding harmful substances.

1. Evaluate nutrition: macronutrients, added sugars, saturated fat, fiber and nutrient density.
2. Flag additives: artificial sweeteners, colors, preservatives, emulsifiers, stabilizers and flavor enhancers, especially controversial ones.
3. Detect refined seed or vegetable oils (sunflower, soybean, canola, corn, cottonseed, grapeseed).
4. Note any data about heavy metals, pesticides, mycotoxins or other contaminants.
5. Identify declared allergens, cross-contamination warnings and substances unsuitable for sensitive groups.
6. Use origin, certifications and processing level (e.g. ultra-processed) when available.

Produce:
- overall_score: 0 to 100 for overall healthfulness.
- sub_scores: nutrition, additives, oils, toxins, allergens, each 0 to 100.
- red_flags: every concern with category, issue, severity (low, medium or high) and explanation.
- recommendation: a plain-language statement for a health-conscious consumer.
- explanation: the reasoning behind the scores.

Use a compassionate but clear tone and avoid unexplained jargon. If nutritional data is limited, work with what is available and say so.`

// buildPrompt renders the instruction block, the user's preferences and the
// product JSON.
func buildPrompt(product *models.Product, prefs *models.UserPreferences) (string, error) {
	productJSON, err := json.MarshalIndent(product, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode product: %w", err)
	}

	var b strings.Builder
	b.WriteString(analysisPrompt)
	if !prefs.Empty() {
		b.WriteString("\n\n**User Preferences:**\n")
		if len(prefs.Diet) > 0 {
			fmt.Fprintf(&b, "- Diet: %s\n", strings.Join(prefs.Diet, ", "))
		}
		if len(prefs.Allergies) > 0 {
			fmt.Fprintf(&b, "- Allergies: %s\n", strings.Join(prefs.Allergies, ", "))
		}
		b.WriteString("Raise a high severity red flag for any ingredient that conflicts with these preferences.")
	}
	b.WriteString("\n\n**Product Data to Analyze:**\n")
	b.Write(productJSON)
	return b.String(), nil
}

// parseAssessment decodes a model's JSON answer. Code fences around the JSON
// are tolerated.
func parseAssessment(text string) (*models.HealthAssessment, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// First unmarshal into a map to check for missing fields
	var rawMap map[string]interface{}
	if err := json.Unmarshal([]byte(text), &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	for _, field := range []string{"overall_score", "sub_scores"} {
		if v, exists := rawMap[field]; !exists || v == nil {
			return nil, fmt.Errorf("missing required field '%s' in response", field)
		}
	}

	var assessment models.HealthAssessment
	if err := json.Unmarshal([]byte(text), &assessment); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	if err := assessment.Validate(); err != nil {
		return nil, err
	}
	return &assessment, nil
}
