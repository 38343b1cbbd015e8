package config_loader

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	k8svalidation "k8s.io/apimachinery/pkg/util/validation"
)

// -----------------------------------------------------------------------------
// Struct Validator (go-playground/validator integration)
// -----------------------------------------------------------------------------

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
	// fieldNameCache maps Go struct field names to yaml tag names (built via reflection)
	fieldNameCache = make(map[string]string)
)

// extractYamlTagName extracts the yaml tag name from a struct field.
// Returns the Go field name if no yaml tag is defined.
func extractYamlTagName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}

// buildFieldNameCache recursively scans a type and caches Go field name -> yaml tag name mappings
func buildFieldNameCache(t reflect.Type, visited map[reflect.Type]bool) {
	switch t.Kind() { //nolint:exhaustive // only handling types that contain nested fields
	case reflect.Ptr:
		buildFieldNameCache(t.Elem(), visited)
	case reflect.Slice, reflect.Array, reflect.Map:
		buildFieldNameCache(t.Elem(), visited)
	case reflect.Struct:
		if visited[t] {
			return
		}
		visited[t] = true

		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			fieldNameCache[field.Name] = extractYamlTagName(field)
			buildFieldNameCache(field.Type, visited)
		}
	}
}

// getStructValidator returns a singleton validator instance with custom validations registered
func getStructValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New()

		//nolint:errcheck // these validations are known-good, errors would only occur on invalid config
		_ = structValidator.RegisterValidation("clusterid", validateClusterID)
		//nolint:errcheck // these validations are known-good, errors would only occur on invalid config
		_ = structValidator.RegisterValidation("labelkey", validateLabelKey)
		//nolint:errcheck // these validations are known-good, errors would only occur on invalid config
		_ = structValidator.RegisterValidation("duration", validateDuration)

		// Use yaml tag names for field names in errors
		structValidator.RegisterTagNameFunc(extractYamlTagName)

		visited := make(map[reflect.Type]bool)
		buildFieldNameCache(reflect.TypeOf(K8sCacheConfig{}), visited)
	})
	return structValidator
}

// validateClusterID requires a DNS-1123 label. Cluster ids end up in event
// sources, metric labels and log fields.
func validateClusterID(fl validator.FieldLevel) bool {
	return len(k8svalidation.IsDNS1123Label(fl.Field().String())) == 0
}

func validateLabelKey(fl validator.FieldLevel) bool {
	return len(k8svalidation.IsQualifiedName(fl.Field().String())) == 0
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// ValidateStruct validates a struct using go-playground/validator tags.
// Returns a ValidationErrors with all validation failures.
func ValidateStruct(s interface{}) *ValidationErrors {
	v := getStructValidator()
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors := &ValidationErrors{}

	if errs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range errs {
			validationErrors.Add("", formatFullErrorMessage(e))
		}
	} else {
		validationErrors.Add("", err.Error())
	}

	return validationErrors
}

// formatFullErrorMessage creates a complete error message
// e.g., "spec.clusters[0].id is required"
func formatFullErrorMessage(e validator.FieldError) string {
	path := formatFieldPath(e.Namespace())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "required_if":
		// e.g., "spec.database.url is required when driver is postgres"
		params := strings.SplitN(e.Param(), " ", 2)
		if len(params) == 2 {
			return fmt.Sprintf("%s is required when %s is %s", path, yamlFieldName(params[0]), params[1])
		}
		return fmt.Sprintf("%s is required", path)
	case "oneof":
		return fmt.Sprintf("%s %q is invalid (allowed: %s)", path, e.Value(), strings.ReplaceAll(e.Param(), " ", ", "))
	case "clusterid":
		return fmt.Sprintf("%s %q: must be a lowercase DNS label (letters, digits, '-')", path, e.Value())
	case "labelkey":
		return fmt.Sprintf("%s %q: must be a valid label key", path, e.Value())
	case "duration":
		return fmt.Sprintf("%s %q: must be a positive duration such as 30s or 5m", path, e.Value())
	case "min":
		return fmt.Sprintf("%s: must have at least %s element(s)", path, e.Param())
	case "gte":
		return fmt.Sprintf("%s: must be >= %s", path, e.Param())
	case "unique":
		// e.g., "spec.clusters: contains duplicate id values"
		return fmt.Sprintf("%s: contains duplicate %s values", path, yamlFieldName(e.Param()))
	default:
		return fmt.Sprintf("%s: failed validation %s", path, e.Tag())
	}
}

// yamlFieldName returns the yaml tag name for a Go struct field name.
// Falls back to lowercasing the first character if not in the cache.
func yamlFieldName(goFieldName string) string {
	getStructValidator()

	if yamlName, ok := fieldNameCache[goFieldName]; ok {
		return yamlName
	}
	if goFieldName == "" {
		return goFieldName
	}
	return strings.ToLower(goFieldName[:1]) + goFieldName[1:]
}

// formatFieldPath converts validator namespace to our path format
// e.g., "K8sCacheConfig.spec.clusters[0].id" -> "spec.clusters[0].id"
func formatFieldPath(namespace string) string {
	parts := strings.SplitN(namespace, ".", 2)
	if len(parts) < 2 {
		return strings.ToLower(namespace)
	}
	return parts[1]
}
