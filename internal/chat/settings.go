// Package chat turns a user's chat settings into a runnable (plain model, retrieval QA or
// agent) and drives one message through it.
package chat

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrUnknownModel is returned for a model choice outside Models.
var ErrUnknownModel = errors.New("unknown model")

// Model choices offered to users, mapped to Bedrock model ids.
var Models = []ModelChoice{
	{Name: "Claude-3.7-Sonnet", ID: "us.anthropic.claude-3-7-sonnet-20250219-v1:0"},
	{Name: "Amazon-Nova-Pro", ID: "amazon.nova-pro-v1:0"},
}

// ModelChoice is a display name with its Bedrock model id.
type ModelChoice struct {
	Name string
	ID   string
}

// ModelID resolves a display name.
func ModelID(name string) (string, error) {
	for _, m := range Models {
		if m.Name == name {
			return m.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Settings are the per-session knobs.
type Settings struct {
	Model            string  `json:"Model"`
	UseKnowledgeBase bool    `json:"UseKnowledgeBase"`
	UseAgent         bool    `json:"UseAgent"`
	Temperature      float64 `json:"Temperature"`
	MaxTokens        int     `json:"MaxTokens"`
	TopP             float64 `json:"topP"`
}

// DefaultSettings mirrors the initial widget values.
func DefaultSettings() Settings {
	return Settings{
		Model:       Models[0].Name,
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        0.9,
	}
}

// DecodeSettings reads loosely typed UI values (numbers may arrive as float, int or
// string). Missing keys keep their defaults; values are not range checked.
func DecodeSettings(values map[string]any) (Settings, error) {
	s := DefaultSettings()
	var err error

	if v, ok := values["Model"]; ok {
		s.Model = fmt.Sprint(v)
	}
	if v, ok := values["UseKnowledgeBase"]; ok {
		if s.UseKnowledgeBase, err = toBool(v); err != nil {
			return s, fmt.Errorf("UseKnowledgeBase: %w", err)
		}
	}
	if v, ok := values["UseAgent"]; ok {
		if s.UseAgent, err = toBool(v); err != nil {
			return s, fmt.Errorf("UseAgent: %w", err)
		}
	}
	if v, ok := values["Temperature"]; ok {
		if s.Temperature, err = toFloat(v); err != nil {
			return s, fmt.Errorf("Temperature: %w", err)
		}
	}
	if v, ok := values["MaxTokens"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return s, fmt.Errorf("MaxTokens: %w", err)
		}
		s.MaxTokens = int(f)
	}
	if v, ok := values["topP"]; ok {
		if s.TopP, err = toFloat(v); err != nil {
			return s, fmt.Errorf("topP: %w", err)
		}
	}
	return s, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("unsupported type %T", v)
	}
}

// Widget describes one settings control rendered by the client.
type Widget struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Label   string   `json:"label"`
	Values  []string `json:"values,omitempty"`
	Initial any      `json:"initial"`
	Min     float64  `json:"min,omitempty"`
	Max     float64  `json:"max,omitempty"`
	Step    float64  `json:"step,omitempty"`
}

// Widgets returns the settings panel sent when a chat starts.
func Widgets() []Widget {
	names := make([]string, len(Models))
	for i, m := range Models {
		names[i] = m.Name
	}
	d := DefaultSettings()
	return []Widget{
		{ID: "Model", Type: "select", Label: "Model", Values: names, Initial: d.Model},
		{ID: "UseKnowledgeBase", Type: "switch", Label: "Enable Knowledge Base", Initial: false},
		{ID: "UseAgent", Type: "switch", Label: "Enable Agents", Initial: false},
		{ID: "Temperature", Type: "slider", Label: "Temperature", Initial: d.Temperature, Min: 0, Max: 1, Step: 0.1},
		{ID: "MaxTokens", Type: "slider", Label: "Max Tokens", Initial: d.MaxTokens, Min: 100, Max: 4000, Step: 100},
		{ID: "topP", Type: "slider", Label: "Top P", Initial: d.TopP, Min: 0, Max: 1, Step: 0.1},
	}
}
