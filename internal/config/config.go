package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models a campaign's evaluation settings. It is stored in the DB per
// campaign and importable from YAML.
type Config struct {
	Campaign struct {
		Name string `yaml:"name"`
	} `yaml:"campaign"`
	Languages struct {
		// Catalog maps language codes to display names. Annotator group
		// names matching a catalog code are treated as language-pair
		// bookkeeping and excluded from reporting group names.
		Catalog map[string]string `yaml:"catalog"`
	} `yaml:"languages"`
	Import struct {
		// DefaultRequiredAnnotations is used when a batch descriptor
		// omits the quota. Capped by MaxRequiredAnnotations.
		DefaultRequiredAnnotations int `yaml:"default_required_annotations"`
	} `yaml:"import"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Campaign.Name == "" {
		return fmt.Errorf("config.campaign.name is required")
	}
	if len(c.Languages.Catalog) == 0 {
		return fmt.Errorf("config.languages.catalog is required")
	}
	for code, name := range c.Languages.Catalog {
		if code == "" {
			return fmt.Errorf("config.languages.catalog contains empty code")
		}
		if name == "" {
			return fmt.Errorf("language code %s has empty name", code)
		}
	}
	if c.Import.DefaultRequiredAnnotations < 0 {
		return fmt.Errorf("config.import.default_required_annotations must not be negative")
	}
	return nil
}

// IsLanguageCode reports whether code is in the language catalog.
func (c *Config) IsLanguageCode(code string) bool {
	_, ok := c.Languages.Catalog[code]
	return ok
}

// LanguageName returns the display name for a catalog code, or "".
func (c *Config) LanguageName(code string) string {
	return c.Languages.Catalog[code]
}

// Default returns the default Config struct for a campaign.
func Default(campaignName string) *Config {
	var cfg Config
	cfg.Campaign.Name = campaignName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, campaignName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `campaign:
  name: %s

languages:
  catalog:
    ara: "Arabic"
    ces: "Czech"
    deu: "German"
    eng: "English"
    fin: "Finnish"
    fra: "French"
    hin: "Hindi"
    ita: "Italian"
    jpn: "Japanese"
    kor: "Korean"
    lav: "Latvian"
    nld: "Dutch"
    pol: "Polish"
    por: "Portuguese"
    ron: "Romanian"
    rus: "Russian"
    spa: "Spanish"
    tur: "Turkish"
    zho: "Chinese"

import:
  default_required_annotations: 1
`
