package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed styles.yaml
var defaultCatalog []byte

// StyleSpec describes how one style tag is rendered by the provider
type StyleSpec struct {
	Tag                  string `yaml:"tag"`
	Model                string `yaml:"model"`
	PromptTemplate       string `yaml:"prompt"`
	NegativePrompt       string `yaml:"negative_prompt"`
	OutputFormat         string `yaml:"output_format"`
	NumOutputs           int    `yaml:"num_outputs"`
	DisableSafetyChecker bool   `yaml:"disable_safety_checker"`
}

// Prompt renders the template for this style. "{style}" is replaced by the tag.
func (s StyleSpec) Prompt() string {
	return strings.ReplaceAll(s.PromptTemplate, "{style}", s.Tag)
}

// SendSpec configures the single-target generation mode
type SendSpec struct {
	PrimaryModel     string `yaml:"primary_model"`
	BackupModel      string `yaml:"backup_model"`
	StyleDescription string `yaml:"style_description"`
	NegativePrompt   string `yaml:"negative_prompt"`
	OutputFormat     string `yaml:"output_format"`
}

// Prompt combines the caller's prompt with the configured style description
func (s SendSpec) Prompt(userPrompt string) string {
	userPrompt = strings.TrimSpace(userPrompt)
	if s.StyleDescription == "" {
		return userPrompt
	}
	return userPrompt + ", " + s.StyleDescription
}

// StyleCatalog is the validated style-tag -> model/prompt mapping
type StyleCatalog struct {
	Styles []StyleSpec `yaml:"styles"`
	Send   SendSpec    `yaml:"send"`

	byTag map[string]StyleSpec
}

// LoadStyleCatalog reads the catalog from path, or the embedded default when path is empty
func LoadStyleCatalog(path string) (*StyleCatalog, error) {
	raw := defaultCatalog
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read style catalog: %w", err)
		}
		raw = data
	}
	return ParseStyleCatalog(raw)
}

// ParseStyleCatalog decodes and validates a YAML catalog
func ParseStyleCatalog(raw []byte) (*StyleCatalog, error) {
	var catalog StyleCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decode style catalog: %w", err)
	}
	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *StyleCatalog) validate() error {
	if len(c.Styles) == 0 {
		return fmt.Errorf("style catalog: no styles defined")
	}
	c.byTag = make(map[string]StyleSpec, len(c.Styles))
	for i := range c.Styles {
		s := &c.Styles[i]
		s.Tag = strings.TrimSpace(s.Tag)
		switch {
		case s.Tag == "":
			return fmt.Errorf("style catalog: entry %d has no tag", i)
		case s.Model == "":
			return fmt.Errorf("style catalog: style %q has no model", s.Tag)
		case s.PromptTemplate == "":
			return fmt.Errorf("style catalog: style %q has no prompt", s.Tag)
		}
		if _, dup := c.byTag[s.Tag]; dup {
			return fmt.Errorf("style catalog: duplicate style %q", s.Tag)
		}
		if s.OutputFormat == "" {
			s.OutputFormat = "png"
		}
		if s.NumOutputs <= 0 {
			s.NumOutputs = 1
		}
		c.byTag[s.Tag] = *s
	}

	if c.Send.PrimaryModel == "" || c.Send.BackupModel == "" {
		return fmt.Errorf("style catalog: send mode needs primary_model and backup_model")
	}
	if c.Send.OutputFormat == "" {
		c.Send.OutputFormat = "png"
	}
	return nil
}

// Lookup returns the spec for a style tag
func (c *StyleCatalog) Lookup(tag string) (StyleSpec, bool) {
	s, ok := c.byTag[tag]
	return s, ok
}

// Tags lists the known style tags in catalog order
func (c *StyleCatalog) Tags() []string {
	tags := make([]string, 0, len(c.Styles))
	for _, s := range c.Styles {
		tags = append(tags, s.Tag)
	}
	return tags
}
