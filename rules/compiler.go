package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/ext"
)

// Diagnostic codes produced by the compiler
const (
	CodeEmptyContent      = "EMPTY_CONTENT"
	CodeSyntax            = "SYNTAX"
	CodeInvalidIdentifier = "INVALID_IDENTIFIER"
	CodeDuplicateRule     = "DUPLICATE_RULE"
	CodeConditionParse    = "CONDITION_PARSE"
	CodeActionParse       = "ACTION_PARSE"
	CodeProgram           = "PROGRAM"
	CodeCompilerPanic     = "COMPILER_PANIC"
	CodeContentMissing    = "CONTENT_MISSING"
	CodeNotFound          = "NOT_FOUND"

	CodeNoActions         = "NO_ACTIONS"
	CodeConstantCondition = "CONSTANT_CONDITION"
	CodeOutputOverwritten = "OUTPUT_OVERWRITTEN"
)

// DefaultCostLimit bounds the runtime cost of a single CEL evaluation
const DefaultCostLimit uint64 = 1000000

// Compiler turns raw rule content into an executable knowledge base.
// The knowledge base is nil whenever an ERROR diagnostic is returned.
type Compiler interface {
	Compile(content string) (KnowledgeBase, []Diagnostic)
}

// Validate compiles content and reports the verdict with elapsed time
func Validate(c Compiler, content string) ValidationResult {
	_, result := compileTimed(c, content)
	return result
}

func compileTimed(c Compiler, content string) (KnowledgeBase, ValidationResult) {
	start := time.Now()
	kb, diags := c.Compile(content)
	return kb, newValidationResult(diags, start)
}

func newValidationResult(diags []Diagnostic, start time.Time) ValidationResult {
	valid := true
	for _, d := range diags {
		if d.Severity == SeverityError {
			valid = false
			break
		}
	}
	if diags == nil {
		diags = []Diagnostic{}
	}
	return ValidationResult{
		Valid:            valid,
		Diagnostics:      diags,
		ValidationTimeMs: durationMs(time.Since(start)),
	}
}

// CELCompiler compiles the rule DSL with CEL conditions and action values:
//
//	ruleset Pricing
//	rule Discount when amount > 50 then discount = 10; tier = "gold"
type CELCompiler struct {
	env       *cel.Env
	costLimit uint64
}

// NewCELCompiler creates a compiler with the default CEL environment
func NewCELCompiler() (*CELCompiler, error) {
	return NewCELCompilerWithCostLimit(DefaultCostLimit)
}

// NewCELCompilerWithCostLimit creates a compiler whose programs abort once
// an evaluation exceeds costLimit
func NewCELCompilerWithCostLimit(costLimit uint64) (*CELCompiler, error) {
	// Facts are bound at evaluation time; expressions are parsed, not type-checked,
	// so no variables are declared here
	env, err := cel.NewEnv(
		ext.Strings(),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if costLimit == 0 {
		costLimit = DefaultCostLimit
	}
	return &CELCompiler{env: env, costLimit: costLimit}, nil
}

var (
	rulePattern   = regexp.MustCompile(`(?s)^rule\s+(\S+)\s+when\s+(.*?)\s+then\b(?:\s+(.*?))?(?:\s+end)?\s*$`)
	actionPattern = regexp.MustCompile(`(?s)^([^\s=!<>]+)\s*=([^=].*)$`)
)

// ruleBlock is one rule as written, possibly joined from several lines
type ruleBlock struct {
	line int
	text string
}

type header struct {
	name    string
	version string
}

// Compile parses and compiles content. Panics raised by the CEL toolchain are
// converted into a single COMPILER_PANIC diagnostic.
func (c *CELCompiler) Compile(content string) (kb KnowledgeBase, diags []Diagnostic) {
	defer func() {
		if r := recover(); r != nil {
			kb = nil
			diags = []Diagnostic{{
				Code:     CodeCompilerPanic,
				Message:  fmt.Sprintf("compiler panic: %v", r),
				Severity: SeverityError,
			}}
		}
	}()

	hdr, blocks, diags := splitBlocks(content)
	if len(blocks) == 0 && len(diags) == 0 {
		return nil, []Diagnostic{{
			Code:     CodeEmptyContent,
			Message:  "content contains no rules",
			Severity: SeverityError,
		}}
	}

	base := &celKnowledgeBase{name: hdr.name, version: hdr.version}
	seen := make(map[string]int)
	targets := make(map[string]string)

	for _, b := range blocks {
		r, ruleDiags := c.compileBlock(b)
		diags = append(diags, ruleDiags...)
		if r == nil {
			continue
		}

		if first, dup := seen[r.name]; dup {
			diags = append(diags, Diagnostic{
				Code:     CodeDuplicateRule,
				Message:  fmt.Sprintf("rule %s already declared on line %d", r.name, first),
				Severity: SeverityError,
				Rule:     r.name,
				Line:     b.line,
			})
			continue
		}
		seen[r.name] = b.line

		for _, a := range r.actions {
			if prev, ok := targets[a.target]; ok && prev != r.name {
				diags = append(diags, Diagnostic{
					Code:     CodeOutputOverwritten,
					Message:  fmt.Sprintf("output %s is also assigned by rule %s", a.target, prev),
					Severity: SeverityWarning,
					Rule:     r.name,
					Line:     b.line,
				})
				continue
			}
			targets[a.target] = r.name
		}

		base.rules = append(base.rules, r)
	}

	for _, d := range diags {
		if d.Severity == SeverityError {
			return nil, diags
		}
	}

	if base.name == "" && len(base.rules) > 0 {
		base.name = base.rules[0].name
	}
	return base, diags
}

// splitBlocks separates header directives from rule blocks
func splitBlocks(content string) (header, []ruleBlock, []Diagnostic) {
	var (
		hdr    header
		blocks []ruleBlock
		diags  []Diagnostic
	)

	for i, raw := range strings.Split(content, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		keyword, rest := splitKeyword(line)
		switch {
		case keyword == "rule":
			blocks = append(blocks, ruleBlock{line: lineNo, text: line})
		case keyword == "ruleset" && len(blocks) == 0:
			hdr.name = unquote(rest)
		case keyword == "version" && len(blocks) == 0:
			hdr.version = unquote(rest)
		case len(blocks) > 0:
			blocks[len(blocks)-1].text += " " + line
		default:
			diags = append(diags, Diagnostic{
				Code:     CodeSyntax,
				Message:  fmt.Sprintf("unexpected text outside of a rule: %q", line),
				Severity: SeverityError,
				Line:     lineNo,
			})
		}
	}
	return hdr, blocks, diags
}

func splitKeyword(line string) (string, string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *CELCompiler) compileBlock(b ruleBlock) (*compiledRule, []Diagnostic) {
	m := rulePattern.FindStringSubmatch(b.text)
	if m == nil {
		return nil, []Diagnostic{{
			Code:     CodeSyntax,
			Message:  "expected: rule <name> when <condition> then <target> = <value>[; ...]",
			Severity: SeverityError,
			Line:     b.line,
		}}
	}

	name, condSrc, actionSrc := m[1], strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
	if actionSrc == "end" {
		actionSrc = ""
	}
	var diags []Diagnostic

	if err := validateIdentifier(name); err != nil {
		return nil, []Diagnostic{{
			Code:     CodeInvalidIdentifier,
			Message:  fmt.Sprintf("invalid rule name: %v", err),
			Severity: SeverityError,
			Line:     b.line,
		}}
	}

	if condSrc == "true" || condSrc == "false" {
		diags = append(diags, Diagnostic{
			Code:     CodeConstantCondition,
			Message:  fmt.Sprintf("condition is always %s", condSrc),
			Severity: SeverityWarning,
			Rule:     name,
			Line:     b.line,
		})
	}

	// Conditions evaluate absent facts as unknown rather than failing
	cond, refs, err := c.program(condSrc, cel.EvalOptions(cel.OptPartialEval))
	if err != nil {
		diags = append(diags, Diagnostic{
			Code:     err.code,
			Message:  fmt.Sprintf("condition: %s", err.msg),
			Severity: SeverityError,
			Rule:     name,
			Line:     b.line,
		})
	}

	r := &compiledRule{name: name, condition: cond, references: refs}

	parts := splitTopLevel(actionSrc, ';')
	if len(parts) == 0 {
		diags = append(diags, Diagnostic{
			Code:     CodeNoActions,
			Message:  "rule has no actions",
			Severity: SeverityWarning,
			Rule:     name,
			Line:     b.line,
		})
	}

	for _, part := range parts {
		am := actionPattern.FindStringSubmatch(part)
		if am == nil {
			diags = append(diags, Diagnostic{
				Code:     CodeActionParse,
				Message:  fmt.Sprintf("expected <target> = <value>, got %q", part),
				Severity: SeverityError,
				Rule:     name,
				Line:     b.line,
			})
			continue
		}

		target, valueSrc := am[1], strings.TrimSpace(am[2])
		if err := validateIdentifier(target); err != nil {
			diags = append(diags, Diagnostic{
				Code:     CodeInvalidIdentifier,
				Message:  fmt.Sprintf("invalid action target: %v", err),
				Severity: SeverityError,
				Rule:     name,
				Line:     b.line,
			})
			continue
		}

		prog, _, perr := c.program(valueSrc)
		if perr != nil {
			code := perr.code
			if code == CodeConditionParse {
				code = CodeActionParse
			}
			diags = append(diags, Diagnostic{
				Code:     code,
				Message:  fmt.Sprintf("action %s: %s", target, perr.msg),
				Severity: SeverityError,
				Rule:     name,
				Line:     b.line,
			})
			continue
		}
		r.actions = append(r.actions, compiledAction{target: target, value: prog})
	}

	for _, d := range diags {
		if d.Severity == SeverityError {
			return nil, diags
		}
	}
	return r, diags
}

type programError struct {
	code string
	msg  string
}

func (c *CELCompiler) program(src string, opts ...cel.ProgramOption) (cel.Program, []string, *programError) {
	if src == "" {
		return nil, nil, &programError{code: CodeConditionParse, msg: "empty expression"}
	}
	ast, issues := c.env.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, nil, &programError{code: CodeConditionParse, msg: issues.Err().Error()}
	}

	// Cost limit prevents resource exhaustion from runaway expressions
	opts = append(opts, cel.CostLimit(c.costLimit))
	prog, err := c.env.Program(ast, opts...)
	if err != nil {
		return nil, nil, &programError{code: CodeProgram, msg: err.Error()}
	}
	return prog, referencedVariables(ast), nil
}

// builtinIdents are identifiers CEL resolves itself, never facts
var builtinIdents = map[string]bool{
	"bool": true, "bytes": true, "double": true, "dyn": true, "int": true, "list": true,
	"map": true, "null_type": true, "string": true, "type": true, "uint": true,
}

// referencedVariables lists the top-level variables an expression reads.
// Comprehension variables and builtin type names are excluded.
func referencedVariables(ast *cel.Ast) []string {
	var idents []string
	local := make(map[string]bool)
	celast.PreOrderVisit(ast.NativeRep().Expr(), celast.NewExprVisitor(func(e celast.Expr) {
		switch e.Kind() {
		case celast.IdentKind:
			idents = append(idents, e.AsIdent())
		case celast.ComprehensionKind:
			comp := e.AsComprehension()
			local[comp.IterVar()] = true
			if comp.HasIterVar2() {
				local[comp.IterVar2()] = true
			}
			local[comp.AccuVar()] = true
		}
	}))

	seen := make(map[string]bool, len(idents))
	var refs []string
	for _, id := range idents {
		if local[id] || builtinIdents[id] || seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, id)
	}
	return refs
}

// splitTopLevel splits s on sep outside of quotes and brackets
func splitTopLevel(s string, sep rune) []string {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case quote != 0:
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '(' || ch == '[' || ch == '{':
			depth++
		case ch == ')' || ch == ']' || ch == '}':
			depth--
		case ch == sep && depth == 0:
			parts = appendPart(parts, string(runes[start:i]))
			start = i + 1
		}
	}
	if start < len(runes) {
		parts = appendPart(parts, string(runes[start:]))
	}
	return parts
}

func appendPart(parts []string, p string) []string {
	if p = strings.TrimSpace(p); p != "" {
		parts = append(parts, p)
	}
	return parts
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
