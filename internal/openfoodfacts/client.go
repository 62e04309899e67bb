// Package openfoodfacts resolves barcodes against the Open Food Facts
// product database.
package openfoodfacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/franckalain/healthscan/internal/models"
)

const DefaultBaseURL = "https://world.openfoodfacts.org/api/v0"

// Fields requested from the API; anything else the API returns is still
// preserved on the product.
var Fields = []string{
	"code",
	"product_name",
	"product_name_en",
	"brands",
	"categories",
	"categories_en",
	"nutriments",
	"ingredients_text",
	"ingredients_text_en",
	"nova_group",
	"nutriscore_grade",
	"ecoscore_grade",
	"image_url",
	"image_front_url",
	"countries_en",
	"manufacturing_places_en",
	"allergens_en",
	"additives_tags",
	"energy_kcal_100g",
	"labels_en",
	"serving_size",
}

var ErrEmptyBarcode = errors.New("empty barcode")

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("product lookup failed with status %d", e.StatusCode)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.httpClient = c } }

func WithUserAgent(ua string) Option { return func(cl *Client) { cl.userAgent = ua } }

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		userAgent:  "healthscan/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type productResponse struct {
	Status        int             `json:"status"`
	StatusVerbose string          `json:"status_verbose"`
	Product       *models.Product `json:"product"`
}

// Resolve looks barcode up. A product that does not exist yields
// (nil, false, nil); transport and server failures yield an error.
func (c *Client) Resolve(ctx context.Context, barcode string) (*models.Product, bool, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, false, ErrEmptyBarcode
	}

	q := url.Values{}
	q.Set("fields", strings.Join(Fields, ","))
	q.Set("lc", "en")
	endpoint := fmt.Sprintf("%s/product/%s.json?%s", c.baseURL, url.PathEscape(barcode), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("product lookup: %w", err)
	}
	defer resp.Body.Close()

	// v0 answers unknown products with 404 on some mirrors and with
	// status 0 on others.
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, false, &StatusError{StatusCode: resp.StatusCode}
	}

	var body productResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("decode product response: %w", err)
	}
	if body.Status != 1 || body.Product == nil {
		return nil, false, nil
	}

	if body.Product.Code == "" {
		body.Product.Code = barcode
	}
	return body.Product, true, nil
}
