package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// UnknownProductName is shown when a product carries no usable name.
const UnknownProductName = "Unknown product"

// Product is a snapshot of a product as returned by the product database.
// Only Code and a display name matter to the scan pipeline; everything else
// passes through untouched, including fields this struct does not know about.
type Product struct {
	Code              string         `json:"code,omitempty"`
	ProductName       string         `json:"product_name,omitempty"`
	ProductNameEn     string         `json:"product_name_en,omitempty"`
	Brands            string         `json:"brands,omitempty"`
	Categories        string         `json:"categories,omitempty"`
	CategoriesEn      string         `json:"categories_en,omitempty"`
	NutriscoreGrade   string         `json:"nutriscore_grade,omitempty"`
	EcoscoreGrade     string         `json:"ecoscore_grade,omitempty"`
	NovaGroup         int            `json:"nova_group,omitempty"`
	Nutriments        map[string]any `json:"nutriments,omitempty"`
	IngredientsText   string         `json:"ingredients_text,omitempty"`
	IngredientsTextEn string         `json:"ingredients_text_en,omitempty"`
	AllergensEn       string         `json:"allergens_en,omitempty"`
	AdditivesTags     []string       `json:"additives_tags,omitempty"`
	ImageURL          string         `json:"image_url,omitempty"`
	ImageFrontURL     string         `json:"image_front_url,omitempty"`

	// Extra holds every field not mapped above, kept as raw JSON.
	Extra map[string]json.RawMessage `json:"-"`
}

// DisplayName returns the English name, then the generic name, then
// UnknownProductName.
func (p *Product) DisplayName() string {
	if p == nil {
		return UnknownProductName
	}
	if name := strings.TrimSpace(p.ProductNameEn); name != "" {
		return name
	}
	if name := strings.TrimSpace(p.ProductName); name != "" {
		return name
	}
	return UnknownProductName
}

// Ingredients returns the English ingredient list when present.
func (p *Product) Ingredients() string {
	if p.IngredientsTextEn != "" {
		return p.IngredientsTextEn
	}
	return p.IngredientsText
}

// Nutriment returns a numeric nutriment value such as "sugars_100g".
func (p *Product) Nutriment(key string) (float64, bool) {
	v, ok := p.Nutriments[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

type productAlias Product

// MarshalJSON writes the known fields and then any preserved extra fields.
func (p Product) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(productAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(p.Extra)+8)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (p *Product) UnmarshalJSON(data []byte) error {
	var a productAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, name := range knownProductFields() {
		delete(raw, name)
	}
	if len(raw) > 0 {
		a.Extra = raw
	} else {
		a.Extra = nil
	}

	*p = Product(a)
	return nil
}

var (
	productFieldsOnce sync.Once
	productFields     []string
)

func knownProductFields() []string {
	productFieldsOnce.Do(func() {
		t := reflect.TypeOf(productAlias{})
		for i := 0; i < t.NumField(); i++ {
			tag := t.Field(i).Tag.Get("json")
			name, _, _ := strings.Cut(tag, ",")
			if name == "" || name == "-" {
				continue
			}
			productFields = append(productFields, name)
		}
	})
	return productFields
}
