package remote

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// defaultMaxDepth bounds expression nesting when EvalOptions leaves it unset.
const defaultMaxDepth = 256

// Rule is a validation rule comparing two expressions.
type Rule struct {
	ID          string
	Name        string
	Importance  Importance
	Operator    string
	LeftSide    Expression
	RightSide   Expression
	Description string
}

// Expression is one side of a rule.
type Expression struct {
	Expression           string
	MissingValueStrategy string
}

const (
	strategyNeverSkip        = "NEVER_SKIP"
	strategySkipIfAnyMissing = "SKIP_IF_ANY_VALUE_MISSING"
	strategySkipIfAllMissing = "SKIP_IF_ALL_VALUES_MISSING"
)

var refPattern = regexp.MustCompile(`#\{([^}]+)\}`)

// References returns the field references of an expression. A bare data
// element reference expands to every combo of that element in fields.
func (e Expression) References(fields []types.FieldRef) []types.FieldRef {
	var refs []types.FieldRef
	seen := make(map[types.FieldRef]bool)
	for _, m := range refPattern.FindAllStringSubmatch(e.Expression, -1) {
		for _, ref := range expandRef(m[1], fields) {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func expandRef(token string, fields []types.FieldRef) []types.FieldRef {
	de, coc, hasCombo := strings.Cut(token, ".")
	if hasCombo {
		return []types.FieldRef{{DataElementID: de, CategoryOptionComboID: coc}}
	}
	var out []types.FieldRef
	for _, f := range fields {
		if f.DataElementID == de {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		out = append(out, types.FieldRef{DataElementID: de, CategoryOptionComboID: types.DefaultCategoryOptionCombo})
	}
	return out
}

// evaluateRules checks every rule against values and returns the violations.
func evaluateRules(rules []Rule, values map[types.FieldRef]string, fields []types.FieldRef, maxDepth int) (*Evaluation, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	result := &Evaluation{RulesChecked: len(rules), Violations: []Violation{}}
	for _, rule := range rules {
		left, leftSkip, err := evaluateSide(rule.LeftSide, values, fields, maxDepth)
		if err != nil {
			return nil, fmt.Errorf("rule %s left side: %w", rule.ID, err)
		}
		right, rightSkip, err := evaluateSide(rule.RightSide, values, fields, maxDepth)
		if err != nil {
			return nil, fmt.Errorf("rule %s right side: %w", rule.ID, err)
		}
		if leftSkip || rightSkip {
			continue
		}

		ok, err := compare(rule.Operator, left, right)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if ok {
			continue
		}

		affected := append(rule.LeftSide.References(fields), rule.RightSide.References(fields)...)
		desc := rule.Description
		if desc == "" {
			desc = rule.Name
		}
		result.Violations = append(result.Violations, Violation{
			RuleID:         rule.ID,
			Description:    desc,
			Importance:     rule.Importance,
			LeftSideValue:  left,
			RightSideValue: right,
			AffectedFields: affected,
		})
	}
	return result, nil
}

// evaluateSide computes one side. A nil value means "no value"; skip reports
// that the missing-value strategy excludes the rule.
func evaluateSide(e Expression, values map[types.FieldRef]string, fields []types.FieldRef, maxDepth int) (*float64, bool, error) {
	refs := e.References(fields)
	var missing int
	for _, ref := range refs {
		if _, ok := values[ref]; !ok {
			missing++
		}
	}

	switch e.MissingValueStrategy {
	case strategySkipIfAnyMissing:
		if missing > 0 {
			return nil, true, nil
		}
	case strategySkipIfAllMissing:
		if len(refs) > 0 && missing == len(refs) {
			return nil, true, nil
		}
	}

	p := &exprParser{input: e.Expression, values: values, fields: fields, maxDepth: maxDepth}
	v, err := p.parse()
	if err != nil {
		return nil, false, err
	}
	if len(refs) > 0 && missing == len(refs) {
		return nil, false, nil
	}
	return &v, false, nil
}

func compare(op string, left, right *float64) (bool, error) {
	switch op {
	case "compulsory_pair":
		return (left == nil) == (right == nil), nil
	case "exclusive_pair":
		return left == nil || right == nil, nil
	}

	l, r := 0.0, 0.0
	if left != nil {
		l = *left
	}
	if right != nil {
		r = *right
	}
	const eps = 1e-9
	switch op {
	case "equal_to":
		return math.Abs(l-r) < eps, nil
	case "not_equal_to":
		return math.Abs(l-r) >= eps, nil
	case "greater_than":
		return l > r, nil
	case "greater_than_or_equal_to":
		return l >= r-eps, nil
	case "less_than":
		return l < r, nil
	case "less_than_or_equal_to":
		return l <= r+eps, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrEngineFailure, op)
	}
}

var errSyntax = errors.New("expression syntax error")

// exprParser is a recursive descent evaluator for arithmetic over field
// references: numbers, #{de.coc}, #{de}, + - * / and parentheses.
type exprParser struct {
	input    string
	pos      int
	depth    int
	maxDepth int
	values   map[types.FieldRef]string
	fields   []types.FieldRef
}

func (p *exprParser) parse() (float64, error) {
	if strings.TrimSpace(p.input) == "" {
		return 0, nil
	}
	v, err := p.sum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("%w: unexpected %q at %d", errSyntax, p.input[p.pos:], p.pos)
	}
	return v, nil
}

func (p *exprParser) enter() error {
	p.depth++
	if p.depth > p.maxDepth {
		return ErrEvaluationDepth
	}
	return nil
}

func (p *exprParser) leave() { p.depth-- }

func (p *exprParser) sum() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()

	v, err := p.product()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return v, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return v, nil
		}
		p.pos++
		rhs, err := p.product()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			v += rhs
		} else {
			v -= rhs
		}
	}
}

func (p *exprParser) product() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return v, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return v, nil
		}
		p.pos++
		rhs, err := p.unary()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			v *= rhs
		} else if rhs == 0 {
			v = 0
		} else {
			v /= rhs
		}
	}
}

func (p *exprParser) unary() (float64, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		if err := p.enter(); err != nil {
			return 0, err
		}
		defer p.leave()
		p.pos++
		v, err := p.unary()
		return -v, err
	}
	return p.primary()
}

func (p *exprParser) primary() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("%w: unexpected end of expression", errSyntax)
	}

	switch c := p.input[p.pos]; {
	case c == '(':
		p.pos++
		v, err := p.sum()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("%w: missing ')'", errSyntax)
		}
		p.pos++
		return v, nil
	case c == '#':
		return p.reference()
	case c == '.' || unicode.IsDigit(rune(c)):
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] == '.' || unicode.IsDigit(rune(p.input[p.pos]))) {
			p.pos++
		}
		return strconv.ParseFloat(p.input[start:p.pos], 64)
	default:
		return 0, fmt.Errorf("%w: unexpected %q at %d", errSyntax, c, p.pos)
	}
}

func (p *exprParser) reference() (float64, error) {
	if !strings.HasPrefix(p.input[p.pos:], "#{") {
		return 0, fmt.Errorf("%w: malformed reference at %d", errSyntax, p.pos)
	}
	end := strings.IndexByte(p.input[p.pos:], '}')
	if end < 0 {
		return 0, fmt.Errorf("%w: unterminated reference at %d", errSyntax, p.pos)
	}
	token := p.input[p.pos+2 : p.pos+end]
	p.pos += end + 1

	var total float64
	for _, ref := range expandRef(token, p.fields) {
		raw, ok := p.values[ref]
		if !ok || raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			// non-numeric values do not contribute
			continue
		}
		total += f
	}
	return total, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}
