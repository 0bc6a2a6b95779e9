package rules

import (
	"fmt"
	"regexp"
)

const maxIdentifierLength = 100

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier checks a rule name or action target.
// Must match ^[a-zA-Z_][a-zA-Z0-9_]*$, be 1-100 characters and not be reserved.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%q must start with a letter or underscore, followed by letters, digits, or underscores", name)
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

// reservedKeywords covers CEL reserved words and the rule DSL keywords
var reservedKeywords = map[string]bool{
	// Boolean and null literals
	"true":  true,
	"false": true,
	"null":  true,
	// CEL reserved
	"if":        true,
	"else":      true,
	"for":       true,
	"while":     true,
	"break":     true,
	"continue":  true,
	"return":    true,
	"var":       true,
	"let":       true,
	"const":     true,
	"function":  true,
	"in":        true,
	"as":        true,
	"import":    true,
	"package":   true,
	"namespace": true,
	"loop":      true,
	"void":      true,
	// DSL
	"rule":    true,
	"ruleset": true,
	"when":    true,
	"then":    true,
	"end":     true,
	"version": true,
}

func isReservedKeyword(name string) bool {
	return reservedKeywords[name]
}
