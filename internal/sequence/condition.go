package sequence

import (
	"strconv"
	"strings"

	"github.com/foxzi/outreach/internal/models"
)

// Operator is a condition step comparison
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIsTrue      Operator = "is_true"
	OpIsFalse     Operator = "is_false"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

var operators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpLessThan: true, OpIsTrue: true, OpIsFalse: true,
	OpIsEmpty: true, OpIsNotEmpty: true,
}

// ParseOperator returns the operator named s
func ParseOperator(s string) (Operator, bool) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	return op, operators[op]
}

// Fields is the read-time projection a condition is evaluated against:
// contact attributes, the journey cursor, activity-derived flags and custom
// fields. Custom fields are also reachable as "custom.<name>".
func Fields(v *models.ContactView) map[string]string {
	c := &v.Contact
	f := map[string]string{
		"email":              c.Email,
		"first_name":         c.FirstName,
		"last_name":          c.LastName,
		"full_name":          c.FullName(),
		"company":            c.Company,
		"title":              c.Title,
		"is_bounced":         strconv.FormatBool(c.IsBounced),
		"is_unsubscribed":    strconv.FormatBool(c.IsUnsubscribed),
		"status":             string(v.Status),
		"current_step_order": strconv.Itoa(v.CurrentStepOrder),
		"retry_count":        strconv.Itoa(v.RetryCount),
		"emails_sent":        strconv.Itoa(v.EmailsSent),
		"has_opened":         strconv.FormatBool(v.HasOpened),
		"has_clicked":        strconv.FormatBool(v.HasClicked),
		"has_replied":        strconv.FormatBool(v.HasReplied),
	}
	if c.DCSScore != nil {
		f["dcs_score"] = strconv.FormatFloat(*c.DCSScore, 'f', -1, 64)
	}
	for name, value := range c.CustomFields {
		f["custom."+name] = value
		if _, builtin := f[name]; !builtin {
			f[name] = value
		}
	}
	return f
}

// Evaluate applies op to the named field. It never fails: ok is false when
// the operator is unknown, the field is missing or the operands cannot be
// compared, and the result is then false.
func Evaluate(fields map[string]string, field string, op Operator, value string) (result, ok bool) {
	actual, found := fields[field]
	if !found || !operators[op] {
		return false, false
	}

	switch op {
	case OpEquals:
		return strings.EqualFold(actual, value), true
	case OpNotEquals:
		return !strings.EqualFold(actual, value), true
	case OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(value)), true
	case OpNotContains:
		return !strings.Contains(strings.ToLower(actual), strings.ToLower(value)), true
	case OpGreaterThan, OpLessThan:
		a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if errA != nil || errB != nil {
			return false, false
		}
		if op == OpGreaterThan {
			return a > b, true
		}
		return a < b, true
	case OpIsTrue, OpIsFalse:
		b, err := strconv.ParseBool(strings.TrimSpace(actual))
		if err != nil {
			return false, false
		}
		return b == (op == OpIsTrue), true
	case OpIsEmpty:
		return strings.TrimSpace(actual) == "", true
	case OpIsNotEmpty:
		return strings.TrimSpace(actual) != "", true
	}
	return false, false
}
