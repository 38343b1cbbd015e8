package cache_query

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator is a comparison used in a structured Condition.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "notIn"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	// OperatorExists ignores Value
	OperatorExists Operator = "exists"
)

var supportedOperators = []Operator{
	OperatorEquals,
	OperatorNotEquals,
	OperatorIn,
	OperatorNotIn,
	OperatorContains,
	OperatorGreaterThan,
	OperatorLessThan,
	OperatorExists,
}

// IsValidOperator reports whether op is a supported operator name.
func IsValidOperator(op string) bool {
	for _, supported := range supportedOperators {
		if string(supported) == op {
			return true
		}
	}
	return false
}

// Condition compares one manifest field, e.g.
//
//	Condition{Field: "status.state", Operator: OperatorIn, Value: []string{"Running", "Starting"}}
//
// Field is a dotted path into the manifest; the "object." prefix is optional.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// CEL renders the condition as a CEL expression over the object variable.
// Missing fields make the expression fail, which List treats as no match.
func (c Condition) CEL() (string, error) {
	field := strings.TrimSpace(c.Field)
	if field == "" {
		return "", fmt.Errorf("condition field is required")
	}
	if !strings.HasPrefix(field, objectVar+".") {
		field = objectVar + "." + field
	}

	if c.Operator == OperatorExists {
		return fmt.Sprintf("has(%s)", field), nil
	}

	value, err := celLiteral(c.Value)
	if err != nil {
		return "", err
	}

	switch c.Operator {
	case OperatorEquals:
		return fmt.Sprintf("%s == %s", field, value), nil
	case OperatorNotEquals:
		return fmt.Sprintf("%s != %s", field, value), nil
	case OperatorIn:
		return fmt.Sprintf("%s in %s", field, value), nil
	case OperatorNotIn:
		return fmt.Sprintf("!(%s in %s)", field, value), nil
	case OperatorContains:
		return fmt.Sprintf("%s.contains(%s)", field, value), nil
	case OperatorGreaterThan:
		return fmt.Sprintf("%s > %s", field, value), nil
	case OperatorLessThan:
		return fmt.Sprintf("%s < %s", field, value), nil
	default:
		return "", fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

// ConditionsToCEL joins conditions with &&. No conditions yield "".
func ConditionsToCEL(conditions []Condition) (string, error) {
	if len(conditions) == 0 {
		return "", nil
	}
	parts := make([]string, len(conditions))
	for i, c := range conditions {
		expr, err := c.CEL()
		if err != nil {
			return "", fmt.Errorf("condition %d: %w", i, err)
		}
		parts[i] = "(" + expr + ")"
	}
	return strings.Join(parts, " && "), nil
}

// celLiteral formats a Go value as a CEL literal.
func celLiteral(value interface{}) (string, error) {
	if value == nil {
		return "null", nil
	}

	switch v := value.(type) {
	case string:
		return strconv.Quote(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := celLiteral(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			items[i] = item
		}
		return "[" + strings.Join(items, ", ") + "]", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}
