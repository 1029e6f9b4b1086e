package project

import (
	"fmt"
	"regexp"

	"github.com/Strob0t/CodeTumbler/internal/domain"
)

// namePattern restricts project names to URL-safe identifiers. Names become
// directory names under the workspace root and path segments in the API.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks that a project name is a safe URL/path identifier.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrInvalidRequest)
	}
	if len(name) > 128 {
		return fmt.Errorf("name exceeds 128 characters: %w", domain.ErrInvalidRequest)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must match %s: %w", namePattern, domain.ErrInvalidRequest)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name must not be a dot segment: %w", domain.ErrInvalidRequest)
	}
	return nil
}

// CreateRequest is the payload for creating a new project.
type CreateRequest struct {
	Name             string   `json:"name"`
	Requirements     string   `json:"requirements"`
	MaxIterations    int      `json:"max_iterations,omitempty"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty"`
	MaxCost          *float64 `json:"max_cost,omitempty"`
}

// Validate checks the fields of a project creation request.
func (r CreateRequest) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.Requirements == "" {
		return fmt.Errorf("requirements is required: %w", domain.ErrInvalidRequest)
	}
	if r.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be >= 0: %w", domain.ErrInvalidRequest)
	}
	if r.QualityThreshold != nil && (*r.QualityThreshold < 0 || *r.QualityThreshold > 10) {
		return fmt.Errorf("quality_threshold must be in [0,10]: %w", domain.ErrInvalidRequest)
	}
	if r.MaxCost != nil && *r.MaxCost < 0 {
		return fmt.Errorf("max_cost must be >= 0: %w", domain.ErrInvalidRequest)
	}
	return nil
}
