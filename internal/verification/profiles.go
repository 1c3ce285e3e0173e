package verification

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conductor/internal/domain"
)

// DefaultProfileName is used for task types without a profile of their own.
const DefaultProfileName = "default"

// Profile declares what a task type's result must look like.
type Profile struct {
	// Checks overrides the configured default check list for this task type.
	Checks             []domain.CheckType `yaml:"checks" json:"checks,omitempty"`
	RequiredFields     []string           `yaml:"required_fields" json:"required_fields,omitempty" validate:"dive,required"`
	Rules              []Rule             `yaml:"rules" json:"rules,omitempty" validate:"dive"`
	ExpectedTypes      map[string]string  `yaml:"expected_types" json:"expected_types,omitempty" validate:"dive,oneof=string number integer boolean array object"`
	MinResultSize      int                `yaml:"min_result_size" json:"min_result_size,omitempty" validate:"gte=0"`
	MaxDurationSeconds float64            `yaml:"max_duration_seconds" json:"max_duration_seconds,omitempty" validate:"gte=0"`
}

// Profiles maps task types to profiles.
type Profiles map[string]Profile

type profileFile struct {
	Profiles Profiles `yaml:"profiles"`
}

// LoadProfiles reads a YAML profiles file. An empty path yields no profiles.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profiles{}, nil
		}
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}
	return ParseProfiles(data)
}

func ParseProfiles(data []byte) (Profiles, error) {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if file.Profiles == nil {
		file.Profiles = Profiles{}
	}
	for name, p := range file.Profiles {
		if err := domain.Validate(p); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		for _, check := range p.Checks {
			if _, ok := BuiltinChecks()[check]; !ok {
				return nil, fmt.Errorf("profile %s: unknown check %q: %w", name, check, domain.ErrInvalidArgument)
			}
		}
	}
	return file.Profiles, nil
}

// Lookup returns the profile for taskType, falling back to the default profile.
func (p Profiles) Lookup(taskType string) Profile {
	if profile, ok := p[taskType]; ok {
		return profile
	}
	return p[DefaultProfileName]
}
