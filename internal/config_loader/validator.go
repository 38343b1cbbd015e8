package config_loader

import (
	"fmt"
	"os"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// -----------------------------------------------------------------------------
// Validation Errors
// -----------------------------------------------------------------------------

// ValidationError represents a validation error with context
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n  - %s", len(ve.Errors), strings.Join(msgs, "\n  - "))
}

func (ve *ValidationErrors) Add(path, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Path: path, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// -----------------------------------------------------------------------------
// Validators
// -----------------------------------------------------------------------------

// IsSupportedAPIVersion checks if the given apiVersion is supported
func IsSupportedAPIVersion(apiVersion string) bool {
	for _, v := range SupportedAPIVersions {
		if v == apiVersion {
			return true
		}
	}
	return false
}

func validateAPIVersionAndKind(config *K8sCacheConfig) error {
	if config.APIVersion == "" {
		return fmt.Errorf("apiVersion is required")
	}
	if !IsSupportedAPIVersion(config.APIVersion) {
		return fmt.Errorf("unsupported apiVersion %q (supported: %s)",
			config.APIVersion, strings.Join(SupportedAPIVersions, ", "))
	}
	if config.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if config.Kind != ExpectedKind {
		return fmt.Errorf("invalid kind %q (expected: %q)", config.Kind, ExpectedKind)
	}
	return nil
}

func validateStructure(config *K8sCacheConfig) error {
	if errs := ValidateStruct(config); errs != nil && errs.HasErrors() {
		return errs
	}
	return nil
}

// validateKinds checks that every kind names a parseable group version and
// appears once.
func validateKinds(config *K8sCacheConfig) error {
	seen := make(map[schema.GroupVersionKind]int)
	for i, k := range config.Spec.Kinds {
		path := fmt.Sprintf("%s.%s[%d]", FieldSpec, FieldKinds, i)
		gvk, err := k.GVK()
		if err != nil {
			return fmt.Errorf("%s.%s %q is invalid: %w", path, FieldAPIVersion, k.APIVersion, err)
		}
		if first, dup := seen[gvk]; dup {
			return fmt.Errorf("%s: %s %s duplicates %s.%s[%d]", path, k.APIVersion, k.Kind, FieldSpec, FieldKinds, first)
		}
		seen[gvk] = i
	}
	return nil
}

func validateBackoff(config *K8sCacheConfig) error {
	w := config.Spec.Watch
	if w.InitialBackoffDuration() > w.MaxBackoffDuration() {
		return fmt.Errorf("%s.%s: initialBackoff %s exceeds maxBackoff %s",
			FieldSpec, FieldWatch, w.InitialBackoffDuration(), w.MaxBackoffDuration())
	}
	return nil
}

func validateKubeConfigFiles(config *K8sCacheConfig) error {
	for i, c := range config.Spec.Clusters {
		if c.KubeConfigPath == "" {
			continue
		}
		path := fmt.Sprintf("%s.%s[%d].%s", FieldSpec, FieldClusters, i, FieldKubeConfigPath)
		info, err := os.Stat(c.KubeConfigPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s: file %q does not exist", path, c.KubeConfigPath)
			}
			return fmt.Errorf("%s: error checking file %q: %w", path, c.KubeConfigPath, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s: %q is a directory, not a file", path, c.KubeConfigPath)
		}
	}
	return nil
}
