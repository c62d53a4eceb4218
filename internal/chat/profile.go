package chat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Starter is a canned first message offered by a profile.
type Starter struct {
	Label   string `yaml:"label" json:"label"`
	Message string `yaml:"message" json:"message"`
	Icon    string `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// Profile is a named chat persona. Only profiles with Settings enabled show the settings
// panel; every profile starts on DefaultSettings.
type Profile struct {
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description" json:"description"`
	Icon        string    `yaml:"icon,omitempty" json:"icon,omitempty"`
	Settings    bool      `yaml:"settings" json:"settings"`
	Starters    []Starter `yaml:"starters" json:"starters"`
}

// DefaultProfileName is the built-in profile.
const DefaultProfileName = "Medical Insurance Bot"

// DefaultProfiles returns the built-in profile list.
func DefaultProfiles() []Profile {
	return []Profile{{
		Name:        DefaultProfileName,
		Description: "This is a medical & insurance bot",
		Icon:        "/public/aws.svg",
		Settings:    true,
		Starters: []Starter{
			{
				Label:   "Why do I need health insurance?",
				Message: "Can you help me to understand why do I need health insurance?.",
				Icon:    "/public/insurance-user-svgrepo-com.svg",
			},
			{
				Label:   "What is the symptom of common cold?",
				Message: "Could you please tell me more about the symptom of common cold?",
				Icon:    "/public/first-aid-kit-doctor-svgrepo-com.svg",
			},
			{
				Label:   "Tips for losing weight",
				Message: "Tips for losing weight",
				Icon:    "https://picsum.photos/230",
			},
		},
	}}
}

// LoadProfiles reads profiles from a YAML file. An empty path returns DefaultProfiles.
func LoadProfiles(path string) ([]Profile, error) {
	if path == "" {
		return DefaultProfiles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("parse profiles %s: no profiles defined", path)
	}
	return doc.Profiles, nil
}

// FindProfile returns the profile called name.
func FindProfile(profiles []Profile, name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
