// Package requirements implements the host-capability constraint DSL: a
// small prefix-expression language that parses either a JSON string or an
// already-decoded value and translates it into a flat list of SQL-ish filter
// strings consumed by the host matcher (pkg/host).
package requirements

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
)

// operators maps the accepted comparison operators to their normalized form.
var operators = map[string]string{
	"==": "==",
	"=":  "==",
	"!=": "!=",
	">=": ">=",
	"<=": "<=",
	">":  ">",
	"<":  "<",
}

// Translate parses requirements — either a JSON-encoded string or an
// already-decoded []any / string — and returns the translated filter list.
// An empty requirements expression ([]) translates to an empty filter list,
// which the host matcher treats as "match every host".
func Translate(requirements any) ([]string, error) {
	value, err := decode(requirements)
	if err != nil {
		return nil, err
	}
	return translateValue(value)
}

// decode normalizes the input into a parsed JSON value (nil, []any, string,
// float64, bool). A string input must itself be valid JSON.
func decode(requirements any) (any, error) {
	s, isString := requirements.(string)
	if !isString {
		return requirements, nil
	}
	var value any
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		return nil, apperror.Wrap(apperror.KindMalformedRequirements, "requirements string is not valid JSON", err)
	}
	return value, nil
}

func translateValue(value any) ([]string, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, apperror.New(apperror.KindMalformedRequirements, "requirements expression must be a JSON array")
	}

	if len(list) == 0 {
		return []string{}, nil
	}

	head, ok := list[0].(string)
	if !ok {
		return nil, apperror.New(apperror.KindMalformedRequirements, "expression head must be a string")
	}

	if head == "and" {
		return translateConj(list[1:])
	}
	if _, isOp := operators[head]; isOp {
		return translateAtom(head, list[1:])
	}
	return nil, apperror.New(apperror.KindMalformedRequirements, fmt.Sprintf("unrecognized expression head %q", head))
}

func translateConj(children []any) ([]string, error) {
	filters := make([]string, 0, len(children))
	for _, child := range children {
		childList, ok := child.([]any)
		if !ok {
			return nil, apperror.New(apperror.KindMalformedRequirements, "'and' children must be arrays")
		}
		f, err := translateValue(childList)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f...)
	}
	return filters, nil
}

func translateAtom(op string, rest []any) ([]string, error) {
	if len(rest) != 2 {
		return nil, apperror.New(apperror.KindMalformedRequirements, "atom requires exactly an identifier and a literal")
	}

	ident, ok := rest[0].(string)
	if !ok {
		return nil, apperror.New(apperror.KindMalformedRequirements, "identifier must be a string")
	}
	if !strings.HasPrefix(ident, "$") || len(ident) < 2 {
		return nil, apperror.New(apperror.KindMalformedRequirements, fmt.Sprintf("identifier %q must begin with '$' and have length >= 2", ident))
	}

	literal, ok := rest[1].(string)
	if !ok {
		return nil, apperror.New(apperror.KindMalformedRequirements, "literal must be a string")
	}
	if literal == "" {
		return nil, apperror.New(apperror.KindMalformedRequirements, "literal must not be empty")
	}

	name := strings.TrimPrefix(ident, "$")
	return []string{fmt.Sprintf("%s %s %s", name, operators[op], literal)}, nil
}
