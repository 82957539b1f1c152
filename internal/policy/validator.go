// Package policy validates audit submissions before any job is created.
package policy

import (
	"strings"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/models"
)

const maxNameLength = 200

// Validator validates audit submissions against upload policy
type Validator struct {
	maxBytes int64
}

// NewValidator creates a new policy validator. maxBytes bounds each uploaded artifact.
func NewValidator(maxBytes int64) *Validator {
	return &Validator{maxBytes: maxBytes}
}

// MaxBytes returns the per-artifact size limit
func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// ValidateSubmission checks a submission. Every failure wraps ErrValidation.
func (v *Validator) ValidateSubmission(sub *models.AuditSubmission) error {
	if sub == nil {
		return errors.Validationf("submission is required")
	}

	// Validate descriptive fields
	if err := validateName("model_name", sub.ModelName); err != nil {
		return err
	}
	if err := validateName("organization", sub.Organization); err != nil {
		return err
	}

	// Validate bias categories
	if len(sub.BiasCategories) == 0 {
		return errors.Validationf("at least one bias category is required")
	}
	seen := map[models.BiasCategory]bool{}
	for _, c := range sub.BiasCategories {
		if !isKnownCategory(c) {
			return errors.Validationf("unknown bias category %q", c)
		}
		if seen[c] {
			return errors.Validationf("bias category %q listed twice", c)
		}
		seen[c] = true
	}

	if _, err := ParseEncryption(string(sub.EncryptionMethod)); err != nil {
		return err
	}
	if _, err := ParsePriority(string(sub.Priority)); err != nil {
		return err
	}

	// Validate artifacts
	if len(sub.Dataset.Data) == 0 {
		return errors.Validationf("dataset file is required and must not be empty")
	}
	if v.maxBytes > 0 && int64(len(sub.Dataset.Data)) > v.maxBytes {
		return errors.Validationf("dataset exceeds %d bytes", v.maxBytes)
	}
	if sub.Model != nil && v.maxBytes > 0 && int64(len(sub.Model.Data)) > v.maxBytes {
		return errors.Validationf("model exceeds %d bytes", v.maxBytes)
	}

	return nil
}

func validateName(field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.Validationf("%s is required", field)
	}
	if len(value) > maxNameLength {
		return errors.Validationf("%s must be at most %d characters", field, maxNameLength)
	}
	return nil
}

func isKnownCategory(c models.BiasCategory) bool {
	for _, k := range models.KnownBiasCategories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseBiasCategories parses category names, accepting comma-separated entries.
// Duplicates are dropped; order of first appearance is kept.
func ParseBiasCategories(raw []string) ([]models.BiasCategory, error) {
	var out []models.BiasCategory
	seen := map[models.BiasCategory]bool{}

	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			name := strings.ToLower(strings.TrimSpace(part))
			if name == "" {
				continue
			}
			c := models.BiasCategory(name)
			if !isKnownCategory(c) {
				return nil, errors.Validationf("unknown bias category %q", name)
			}
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}

	if len(out) == 0 {
		return nil, errors.Validationf("at least one bias category is required")
	}
	return out, nil
}

// ParseEncryption parses an encryption method name
func ParseEncryption(s string) (models.EncryptionMethod, error) {
	switch m := models.EncryptionMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case models.EncryptionHomomorphic, models.EncryptionSecureEnclave, models.EncryptionFederated:
		return m, nil
	default:
		return "", errors.Validationf("unknown encryption method %q", s)
	}
}

// ParsePriority parses a priority tier. Empty means classical.
func ParsePriority(s string) (models.Priority, error) {
	switch p := models.Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return models.PriorityClassical, nil
	case models.PriorityQuantum, models.PriorityClassical:
		return p, nil
	default:
		return "", errors.Validationf("unknown priority %q", s)
	}
}
