package ml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/franckalain/healthscan/internal/models"
)

const defaultGoogleModel = "gemini-2.0-flash"

// ErrRateLimited is returned when the analysis service throttles us.
var ErrRateLimited = errors.New("rate limit exceeded, wait a moment before trying again")

// GoogleConfig holds configuration for the Google model
type GoogleConfig struct {
	BaseConfig
	ProjectID       string `json:"project_id"`
	Location        string `json:"location"`
	CredentialsFile string `json:"credentials_file"`
	ModelName       string `json:"model_name"`

	// Source records where the values were loaded from.
	Source string `json:"-"`
}

// Load loads the Google configuration
func (c *GoogleConfig) Load() error {
	source, err := c.LoadConfig(c.ConfigPath, "google", c)
	if err != nil {
		return err
	}
	c.Source = source

	// Fall back to environment variables if not set
	if c.ProjectID == "" {
		c.ProjectID = os.Getenv("GOOGLE_PROJECT_ID")
	}
	if c.Location == "" {
		c.Location = os.Getenv("GOOGLE_LOCATION")
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	}
	if c.ModelName == "" {
		c.ModelName = os.Getenv("GOOGLE_MODEL")
	}
	if c.ModelName == "" {
		c.ModelName = defaultGoogleModel
	}

	if c.ProjectID == "" || c.Location == "" {
		return fmt.Errorf("google project id and location are required")
	}
	return nil
}

// GoogleModel implements the Model interface for Google's Vertex AI
type GoogleModel struct {
	config GoogleConfig
	client *genai.Client
	model  *genai.GenerativeModel
}

// GoogleModelFactory implements ModelFactory for Google models
type GoogleModelFactory struct {
	config GoogleConfig
}

// NewGoogleModelFactory creates a new Google model factory
func NewGoogleModelFactory(config GoogleConfig) *GoogleModelFactory {
	return &GoogleModelFactory{config: config}
}

// CreateModel creates a new Google model instance
func (f *GoogleModelFactory) CreateModel() (Model, error) {
	return &GoogleModel{
		config: f.config,
	}, nil
}

// Load initializes the Google model
func (m *GoogleModel) Load(ctx context.Context) error {
	opts := []option.ClientOption{}

	if m.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(m.config.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, m.config.ProjectID, m.config.Location, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	m.client = client
	m.model = client.GenerativeModel(m.config.ModelName)
	m.model.SetTemperature(0.1)
	m.model.ResponseMIMEType = "application/json"
	m.model.ResponseSchema = assessmentSchema()
	return nil
}

// Close releases the Vertex AI client
func (m *GoogleModel) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Assess grades a product using Gemini with a structured JSON response
func (m *GoogleModel) Assess(ctx context.Context, product *models.Product, prefs *models.UserPreferences) (*models.HealthAssessment, error) {
	if m.model == nil {
		return nil, fmt.Errorf("model not loaded")
	}
	if product == nil {
		return nil, fmt.Errorf("no product to analyze")
	}

	prompt, err := buildPrompt(product, prefs)
	if err != nil {
		return nil, err
	}

	resp, err := m.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("failed to call ai: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no response generated")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no content in response")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return parseAssessment(text.String())
}

func assessmentSchema() *genai.Schema {
	score := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeNumber, Description: desc}
	}
	text := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc}
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"overall_score": score("Overall health score from 0-100"),
			"sub_scores": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"nutrition": score("Nutrition score 0-100"),
					"additives": score("Additives score 0-100"),
					"oils":      score("Oils quality score 0-100"),
					"toxins":    score("Toxins/contaminants score 0-100"),
					"allergens": score("Allergen safety score 0-100"),
				},
				Required: []string{"nutrition", "additives", "oils", "toxins", "allergens"},
			},
			"red_flags": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"category":    text("Category of the red flag"),
						"issue":       text("Specific issue identified"),
						"severity":    {Type: genai.TypeString, Enum: []string{"low", "medium", "high"}},
						"explanation": text("Why this is concerning"),
					},
					Required: []string{"category", "issue", "severity", "explanation"},
				},
			},
			"recommendation": text("Overall recommendation for health-conscious consumers"),
			"explanation":    text("Detailed explanation of the analysis and reasoning"),
		},
		Required: []string{"overall_score", "sub_scores", "red_flags", "recommendation", "explanation"},
	}
}
