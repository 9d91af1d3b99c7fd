package rdf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/knakk/rdf"
)

// QueryForm identifies the query type.
type QueryForm int

const (
	FormSelect QueryForm = iota
	FormAsk
	FormConstruct
	FormDescribe
)

func (f QueryForm) String() string {
	switch f {
	case FormSelect:
		return "SELECT"
	case FormAsk:
		return "ASK"
	case FormConstruct:
		return "CONSTRUCT"
	case FormDescribe:
		return "DESCRIBE"
	}
	return "UNKNOWN"
}

// PatternTerm is one position of a triple pattern: either a variable name or
// a concrete term.
type PatternTerm struct {
	Var  string
	Term rdf.Term
}

// IsVar reports whether the position is a variable.
func (p PatternTerm) IsVar() bool { return p.Var != "" }

// TriplePattern is a basic graph pattern triple.
type TriplePattern struct {
	S, P, O PatternTerm
}

// CompareOp is a FILTER comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Filter is a single FILTER condition: a comparison or a regex test.
type Filter struct {
	Var   string
	Op    CompareOp
	Value rdf.Term
	Regex *regexp.Regexp
}

// OrderKey is one ORDER BY sort key.
type OrderKey struct {
	Var  string
	Desc bool
}

// Query is a parsed query in the supported subset.
type Query struct {
	Form           QueryForm
	Distinct       bool
	Vars           []string // projection; empty means all bound variables
	Where          []TriplePattern
	Template       []TriplePattern // CONSTRUCT template
	Filters        []Filter
	OrderBy        []OrderKey
	Limit          int // -1 when absent
	Offset         int
	DescribeTarget rdf.IRI
}

// Binding maps variable names to terms.
type Binding map[string]rdf.Term

func (b Binding) clone() Binding {
	nb := make(Binding, len(b)+1)
	for k, v := range b {
		nb[k] = v
	}
	return nb
}

// SelectResult holds projected rows in deterministic order.
type SelectResult struct {
	Vars []string
	Rows []Binding
}

// Digest returns a SHA-256 over the full result in its deterministic order.
func (r *SelectResult) Digest() string {
	var sb strings.Builder
	for _, row := range r.Rows {
		for _, v := range r.Vars {
			sb.WriteString(v)
			sb.WriteByte('=')
			sb.WriteString(TermKey(row[v]))
			sb.WriteByte(';')
		}
		sb.WriteByte('\n')
	}
	return hashString(sb.String())
}

// KeyDigest returns a SHA-256 over the sorted multiset of values bound to
// keyVar, the comparison basis for result-delta predicates.
func (r *SelectResult) KeyDigest(keyVar string) string {
	keys := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		keys = append(keys, TermKey(row[keyVar]))
	}
	sort.Strings(keys)
	return hashString(strings.Join(keys, "\n"))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Ask evaluates an ASK query.
func Ask(d *Dataset, query string) (bool, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return false, err
	}
	if q.Form != FormAsk {
		return false, fmt.Errorf("expected ASK query, got %s", q.Form)
	}
	rows, err := q.solve(d)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Select evaluates a SELECT query.
func Select(d *Dataset, query string) (*SelectResult, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}
	if q.Form != FormSelect {
		return nil, fmt.Errorf("expected SELECT query, got %s", q.Form)
	}
	return q.selectRows(d)
}

// Construct evaluates a CONSTRUCT query.
func Construct(d *Dataset, query string) ([]rdf.Triple, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}
	if q.Form != FormConstruct {
		return nil, fmt.Errorf("expected CONSTRUCT query, got %s", q.Form)
	}
	rows, err := q.solve(d)
	if err != nil {
		return nil, err
	}
	out := NewDataset()
	for _, b := range rows {
		for _, tmpl := range q.Template {
			t, ok := instantiate(tmpl, b)
			if ok {
				out.Add(t)
			}
		}
	}
	return out.Triples(), nil
}

// Describe returns every triple in which the IRI appears as subject or
// object, a deliberately simple concise-bounded description.
func Describe(d *Dataset, iri string) ([]rdf.Triple, error) {
	node, err := rdf.NewIRI(iri)
	if err != nil {
		return nil, fmt.Errorf("describe target: %w", err)
	}
	out := NewDataset()
	out.AddAll(d.Match(node, nil, nil))
	out.AddAll(d.Match(nil, nil, node))
	return out.Triples(), nil
}

func (q *Query) selectRows(d *Dataset) (*SelectResult, error) {
	rows, err := q.solve(d)
	if err != nil {
		return nil, err
	}

	vars := q.Vars
	if len(vars) == 0 {
		seen := make(map[string]bool)
		for _, b := range rows {
			for v := range b {
				seen[v] = true
			}
		}
		for v := range seen {
			vars = append(vars, v)
		}
		sort.Strings(vars)
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, key := range q.OrderBy {
				c := CompareTerms(rows[i][key.Var], rows[j][key.Var])
				if c == 0 {
					continue
				}
				if key.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	} else {
		// Stable key: lexicographic over bound variable names then values.
		sort.SliceStable(rows, func(i, j int) bool {
			return rowKey(rows[i], vars) < rowKey(rows[j], vars)
		})
	}

	if q.Distinct {
		seen := make(map[string]bool)
		deduped := rows[:0]
		for _, b := range rows {
			k := rowKey(b, vars)
			if !seen[k] {
				seen[k] = true
				deduped = append(deduped, b)
			}
		}
		rows = deduped
	}

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit >= 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}

	return &SelectResult{Vars: vars, Rows: rows}, nil
}

func rowKey(b Binding, vars []string) string {
	var sb strings.Builder
	for _, v := range vars {
		sb.WriteString(v)
		sb.WriteByte('=')
		sb.WriteString(TermKey(b[v]))
		sb.WriteByte(';')
	}
	return sb.String()
}

// solve evaluates the basic graph pattern plus filters.
func (q *Query) solve(d *Dataset) ([]Binding, error) {
	bindings := []Binding{{}}
	for _, pat := range q.Where {
		var next []Binding
		for _, b := range bindings {
			s, sOK := resolveSubject(pat.S, b)
			p, pOK := resolvePredicate(pat.P, b)
			o, oOK := resolveObject(pat.O, b)
			if !sOK || !pOK || !oOK {
				// A bound term cannot occupy this position (e.g. a literal
				// bound into subject position); no solutions extend here.
				continue
			}
			for _, t := range d.Match(s, p, o) {
				nb, ok := extend(b, pat, t)
				if ok {
					next = append(next, nb)
				}
			}
		}
		bindings = next
		if len(bindings) == 0 {
			break
		}
	}

	var out []Binding
	for _, b := range bindings {
		keep, err := q.applyFilters(b)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, b)
		}
	}
	return out, nil
}

func (q *Query) applyFilters(b Binding) (bool, error) {
	for _, f := range q.Filters {
		term, bound := b[f.Var]
		if !bound {
			return false, fmt.Errorf("filter references unbound variable ?%s", f.Var)
		}
		if f.Regex != nil {
			if !f.Regex.MatchString(LexicalValue(term)) {
				return false, nil
			}
			continue
		}
		if !compareFilter(term, f.Op, f.Value) {
			return false, nil
		}
	}
	return true, nil
}

func compareFilter(term rdf.Term, op CompareOp, value rdf.Term) bool {
	lv, lOK := NumericValue(term)
	rv, rOK := NumericValue(value)
	if lOK && rOK {
		switch op {
		case OpEq:
			return lv == rv
		case OpNe:
			return lv != rv
		case OpLt:
			return lv < rv
		case OpLe:
			return lv <= rv
		case OpGt:
			return lv > rv
		case OpGe:
			return lv >= rv
		}
	}
	c := strings.Compare(LexicalValue(term), LexicalValue(value))
	switch op {
	case OpEq:
		return TermsEqual(term, value) || c == 0
	case OpNe:
		return !TermsEqual(term, value) && c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

func resolveSubject(p PatternTerm, b Binding) (rdf.Subject, bool) {
	t := resolveTerm(p, b)
	if t == nil {
		return nil, true
	}
	s, ok := t.(rdf.Subject)
	return s, ok
}

func resolvePredicate(p PatternTerm, b Binding) (rdf.Predicate, bool) {
	t := resolveTerm(p, b)
	if t == nil {
		return nil, true
	}
	pr, ok := t.(rdf.Predicate)
	return pr, ok
}

func resolveObject(p PatternTerm, b Binding) (rdf.Object, bool) {
	t := resolveTerm(p, b)
	if t == nil {
		return nil, true
	}
	o, ok := t.(rdf.Object)
	return o, ok
}

func resolveTerm(p PatternTerm, b Binding) rdf.Term {
	if !p.IsVar() {
		return p.Term
	}
	return b[p.Var]
}

func extend(b Binding, pat TriplePattern, t rdf.Triple) (Binding, bool) {
	nb := b
	cloned := false
	bind := func(pt PatternTerm, term rdf.Term) bool {
		if !pt.IsVar() {
			return true
		}
		if existing, ok := nb[pt.Var]; ok {
			return TermsEqual(existing, term)
		}
		if !cloned {
			nb = b.clone()
			cloned = true
		}
		nb[pt.Var] = term
		return true
	}
	if !bind(pat.S, t.Subj) || !bind(pat.P, t.Pred) || !bind(pat.O, t.Obj) {
		return nil, false
	}
	if !cloned {
		nb = b.clone()
	}
	return nb, true
}

func instantiate(tmpl TriplePattern, b Binding) (rdf.Triple, bool) {
	s, sOK := resolveSubject(tmpl.S, b)
	p, pOK := resolvePredicate(tmpl.P, b)
	o, oOK := resolveObject(tmpl.O, b)
	if !sOK || !pOK || !oOK || s == nil || p == nil || o == nil {
		return rdf.Triple{}, false
	}
	return rdf.Triple{Subj: s, Pred: p, Obj: o}, true
}

// --- parsing ---

var unsupportedKeywords = map[string]bool{
	"OPTIONAL": true, "UNION": true, "MINUS": true, "GRAPH": true,
	"BIND": true, "VALUES": true, "SERVICE": true, "EXISTS": true,
	"GROUP": true, "HAVING": true,
}

type parser struct {
	toks     []token
	pos      int
	prefixes map[string]string
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIRI
	tokPName
	tokVar
	tokString
	tokNumber
	tokIdent
	tokPunct
	tokLangTag
)

type token struct {
	kind tokKind
	text string
	// datatype and lang annotate tokString tokens.
	datatype string
	lang     string
}

// ParseQuery parses a query in the supported SPARQL subset.
func ParseQuery(input string) (*Query, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, prefixes: map[string]string{
		"rdf":  NSRDF,
		"rdfs": NSRDFS,
		"xsd":  NSXSD,
		"sh":   NSSH,
	}}
	q, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	return q, nil
}

func (p *parser) parse() (*Query, error) {
	q := &Query{Limit: -1}

	for p.isKeyword("PREFIX") {
		p.next()
		ns := p.next()
		if ns.kind != tokPName || !strings.HasSuffix(ns.text, ":") {
			return nil, fmt.Errorf("PREFIX expects 'ns:', got %q", ns.text)
		}
		iri := p.next()
		if iri.kind != tokIRI {
			return nil, fmt.Errorf("PREFIX expects an IRI, got %q", iri.text)
		}
		p.prefixes[strings.TrimSuffix(ns.text, ":")] = iri.text
	}

	switch {
	case p.isKeyword("SELECT"):
		p.next()
		q.Form = FormSelect
		if p.isKeyword("DISTINCT") {
			p.next()
			q.Distinct = true
		}
		if p.isPunct("*") {
			p.next()
		} else {
			for p.peek().kind == tokVar {
				q.Vars = append(q.Vars, p.next().text)
			}
			if len(q.Vars) == 0 {
				return nil, fmt.Errorf("SELECT needs a projection")
			}
		}
		if p.isKeyword("WHERE") {
			p.next()
		}
		if err := p.parseGroup(q); err != nil {
			return nil, err
		}
		if err := p.parseModifiers(q); err != nil {
			return nil, err
		}

	case p.isKeyword("ASK"):
		p.next()
		q.Form = FormAsk
		if p.isKeyword("WHERE") {
			p.next()
		}
		if err := p.parseGroup(q); err != nil {
			return nil, err
		}

	case p.isKeyword("CONSTRUCT"):
		p.next()
		q.Form = FormConstruct
		tmplQ := &Query{Limit: -1}
		if err := p.parseGroup(tmplQ); err != nil {
			return nil, err
		}
		if len(tmplQ.Filters) > 0 {
			return nil, fmt.Errorf("FILTER not allowed in CONSTRUCT template")
		}
		q.Template = tmplQ.Where
		if !p.isKeyword("WHERE") {
			return nil, fmt.Errorf("CONSTRUCT requires WHERE")
		}
		p.next()
		if err := p.parseGroup(q); err != nil {
			return nil, err
		}
		if err := p.parseModifiers(q); err != nil {
			return nil, err
		}

	case p.isKeyword("DESCRIBE"):
		p.next()
		q.Form = FormDescribe
		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		iri, ok := t.(rdf.IRI)
		if !ok {
			return nil, fmt.Errorf("DESCRIBE expects an IRI")
		}
		q.DescribeTarget = iri

	default:
		return nil, fmt.Errorf("expected SELECT, ASK, CONSTRUCT or DESCRIBE, got %q", p.peek().text)
	}

	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input %q", p.peek().text)
	}
	return q, nil
}

func (p *parser) parseModifiers(q *Query) error {
	for {
		switch {
		case p.isKeyword("ORDER"):
			p.next()
			if !p.isKeyword("BY") {
				return fmt.Errorf("ORDER must be followed by BY")
			}
			p.next()
			for {
				if p.isKeyword("ASC") || p.isKeyword("DESC") {
					desc := strings.EqualFold(p.next().text, "DESC")
					if !p.isPunct("(") {
						return fmt.Errorf("ASC/DESC expects '('")
					}
					p.next()
					v := p.next()
					if v.kind != tokVar {
						return fmt.Errorf("ORDER BY expects a variable")
					}
					if !p.isPunct(")") {
						return fmt.Errorf("ORDER BY missing ')'")
					}
					p.next()
					q.OrderBy = append(q.OrderBy, OrderKey{Var: v.text, Desc: desc})
					continue
				}
				if p.peek().kind == tokVar {
					q.OrderBy = append(q.OrderBy, OrderKey{Var: p.next().text})
					continue
				}
				break
			}
			if len(q.OrderBy) == 0 {
				return fmt.Errorf("ORDER BY needs at least one key")
			}
		case p.isKeyword("LIMIT"):
			p.next()
			n, err := p.parseInt()
			if err != nil {
				return err
			}
			q.Limit = n
		case p.isKeyword("OFFSET"):
			p.next()
			n, err := p.parseInt()
			if err != nil {
				return err
			}
			q.Offset = n
		default:
			return nil
		}
	}
}

func (p *parser) parseInt() (int, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, fmt.Errorf("expected integer, got %q", t.text)
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", t.text, err)
	}
	return n, nil
}

func (p *parser) parseGroup(q *Query) error {
	if !p.isPunct("{") {
		return fmt.Errorf("expected '{', got %q", p.peek().text)
	}
	p.next()

	for !p.isPunct("}") {
		if p.peek().kind == tokEOF {
			return fmt.Errorf("unterminated group pattern")
		}
		if p.peek().kind == tokIdent {
			upper := strings.ToUpper(p.peek().text)
			if unsupportedKeywords[upper] {
				return fmt.Errorf("unsupported SPARQL feature: %s", upper)
			}
			if upper == "FILTER" {
				p.next()
				if err := p.parseFilter(q); err != nil {
					return err
				}
				continue
			}
		}
		if err := p.parseTripleBlock(q); err != nil {
			return err
		}
	}
	p.next() // consume '}'
	return nil
}

// parseTripleBlock parses "subject pred obj (',' obj)* (';' pred obj ...)* '.'?".
func (p *parser) parseTripleBlock(q *Query) error {
	s, err := p.parsePatternTerm()
	if err != nil {
		return err
	}
	for {
		pred, err := p.parsePatternTerm()
		if err != nil {
			return err
		}
		for {
			obj, err := p.parsePatternTerm()
			if err != nil {
				return err
			}
			q.Where = append(q.Where, TriplePattern{S: s, P: pred, O: obj})
			if p.isPunct(",") {
				p.next()
				continue
			}
			break
		}
		if p.isPunct(";") {
			p.next()
			// Allow a trailing ';' before '.' or '}'.
			if p.isPunct(".") || p.isPunct("}") {
				break
			}
			continue
		}
		break
	}
	if p.isPunct(".") {
		p.next()
	}
	return nil
}

func (p *parser) parseFilter(q *Query) error {
	if !p.isPunct("(") {
		return fmt.Errorf("FILTER expects '('")
	}
	p.next()

	for {
		if p.isKeywordCI("REGEX") {
			p.next()
			if !p.isPunct("(") {
				return fmt.Errorf("regex expects '('")
			}
			p.next()
			v := p.next()
			if v.kind != tokVar {
				return fmt.Errorf("regex expects a variable first argument")
			}
			if !p.isPunct(",") {
				return fmt.Errorf("regex expects ','")
			}
			p.next()
			pat := p.next()
			if pat.kind != tokString {
				return fmt.Errorf("regex expects a string pattern")
			}
			flags := ""
			if p.isPunct(",") {
				p.next()
				f := p.next()
				if f.kind != tokString {
					return fmt.Errorf("regex flags must be a string")
				}
				flags = f.text
			}
			expr := pat.text
			if strings.Contains(flags, "i") {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("compile regex %q: %w", pat.text, err)
			}
			if !p.isPunct(")") {
				return fmt.Errorf("regex missing ')'")
			}
			p.next()
			q.Filters = append(q.Filters, Filter{Var: v.text, Regex: re})
		} else {
			v := p.next()
			if v.kind != tokVar {
				return fmt.Errorf("filter expects a variable, got %q", v.text)
			}
			opTok := p.next()
			if opTok.kind != tokPunct {
				return fmt.Errorf("filter expects an operator, got %q", opTok.text)
			}
			op := CompareOp(opTok.text)
			switch op {
			case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
			default:
				return fmt.Errorf("unsupported filter operator %q", opTok.text)
			}
			val, err := p.parseTerm()
			if err != nil {
				return err
			}
			q.Filters = append(q.Filters, Filter{Var: v.text, Op: op, Value: val})
		}

		if p.isPunct("&&") {
			p.next()
			continue
		}
		break
	}

	if !p.isPunct(")") {
		return fmt.Errorf("FILTER missing ')'")
	}
	p.next()
	return nil
}

func (p *parser) parsePatternTerm() (PatternTerm, error) {
	t := p.peek()
	if t.kind == tokVar {
		p.next()
		return PatternTerm{Var: t.text}, nil
	}
	term, err := p.parseTerm()
	if err != nil {
		return PatternTerm{}, err
	}
	return PatternTerm{Term: term}, nil
}

func (p *parser) parseTerm() (rdf.Term, error) {
	t := p.next()
	switch t.kind {
	case tokIRI:
		iri, err := rdf.NewIRI(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid IRI <%s>: %w", t.text, err)
		}
		return iri, nil
	case tokPName:
		if t.text == "a" {
			return MustIRI(NSRDF + "type"), nil
		}
		parts := strings.SplitN(t.text, ":", 2)
		base, ok := p.prefixes[parts[0]]
		if !ok {
			return nil, fmt.Errorf("unknown prefix %q", parts[0])
		}
		iri, err := rdf.NewIRI(base + parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid prefixed name %q: %w", t.text, err)
		}
		return iri, nil
	case tokString:
		switch {
		case t.lang != "":
			return rdf.NewLangLiteral(t.text, t.lang)
		case t.datatype != "":
			dt, err := p.expandDatatype(t.datatype)
			if err != nil {
				return nil, err
			}
			return rdf.NewTypedLiteral(t.text, dt), nil
		default:
			return rdf.NewLiteral(t.text)
		}
	case tokNumber:
		if strings.ContainsAny(t.text, ".eE") {
			return rdf.NewTypedLiteral(t.text, MustIRI(NSXSD+"decimal")), nil
		}
		return rdf.NewTypedLiteral(t.text, MustIRI(NSXSD+"integer")), nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true", "false":
			return rdf.NewTypedLiteral(strings.ToLower(t.text), MustIRI(NSXSD+"boolean")), nil
		}
		return nil, fmt.Errorf("unexpected identifier %q in pattern", t.text)
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

func (p *parser) expandDatatype(dt string) (rdf.IRI, error) {
	if strings.HasPrefix(dt, "<") && strings.HasSuffix(dt, ">") {
		return rdf.NewIRI(strings.Trim(dt, "<>"))
	}
	parts := strings.SplitN(dt, ":", 2)
	if len(parts) == 2 {
		if base, ok := p.prefixes[parts[0]]; ok {
			return rdf.NewIRI(base + parts[1])
		}
	}
	return rdf.IRI{}, fmt.Errorf("unknown datatype %q", dt)
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) isKeywordCI(kw string) bool { return p.isKeyword(kw) }

func (p *parser) isPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

// --- lexer ---

func lex(input string) ([]token, error) {
	var toks []token
	runes := []rune(input)
	i := 0
	n := len(runes)

	for i < n {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '#':
			for i < n && runes[i] != '\n' {
				i++
			}

		case r == '<':
			// IRIREF unless it reads as a comparison operator.
			if i+1 < n && (runes[i+1] == '=' || unicode.IsSpace(runes[i+1]) || runes[i+1] == '?') {
				if runes[i+1] == '=' {
					toks = append(toks, token{kind: tokPunct, text: "<="})
					i += 2
				} else {
					toks = append(toks, token{kind: tokPunct, text: "<"})
					i++
				}
				continue
			}
			j := i + 1
			for j < n && runes[j] != '>' && !unicode.IsSpace(runes[j]) {
				j++
			}
			if j < n && runes[j] == '>' {
				toks = append(toks, token{kind: tokIRI, text: string(runes[i+1 : j])})
				i = j + 1
			} else {
				toks = append(toks, token{kind: tokPunct, text: "<"})
				i++
			}

		case r == '?' || r == '$':
			j := i + 1
			for j < n && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("bare %q at offset %d", r, i)
			}
			toks = append(toks, token{kind: tokVar, text: string(runes[i+1 : j])})
			i = j

		case r == '"' || r == '\'':
			quote := r
			var sb strings.Builder
			j := i + 1
			for j < n && runes[j] != quote {
				if runes[j] == '\\' && j+1 < n {
					j++
					switch runes[j] {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					case 'r':
						sb.WriteRune('\r')
					default:
						sb.WriteRune(runes[j])
					}
				} else {
					sb.WriteRune(runes[j])
				}
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			tok := token{kind: tokString, text: sb.String()}
			j++
			// Optional language tag or datatype annotation.
			if j < n && runes[j] == '@' {
				k := j + 1
				for k < n && (unicode.IsLetter(runes[k]) || runes[k] == '-') {
					k++
				}
				tok.lang = string(runes[j+1 : k])
				j = k
			} else if j+1 < n && runes[j] == '^' && runes[j+1] == '^' {
				k := j + 2
				start := k
				if k < n && runes[k] == '<' {
					for k < n && runes[k] != '>' {
						k++
					}
					k++
					tok.datatype = string(runes[start:k])
				} else {
					for k < n && (unicode.IsLetter(runes[k]) || unicode.IsDigit(runes[k]) || runes[k] == ':' || runes[k] == '_' || runes[k] == '-') {
						k++
					}
					tok.datatype = string(runes[start:k])
				}
				j = k
			}
			toks = append(toks, tok)
			i = j

		case unicode.IsDigit(r) || (r == '-' && i+1 < n && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < n && (unicode.IsDigit(runes[j]) || runes[j] == '.' || runes[j] == 'e' || runes[j] == 'E' || runes[j] == '+' || runes[j] == '-') {
				// Stop at a '.' that terminates a statement rather than a decimal.
				if runes[j] == '.' && (j+1 >= n || !unicode.IsDigit(runes[j+1])) {
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(runes[i:j])})
			i = j

		case r == '&':
			if i+1 < n && runes[i+1] == '&' {
				toks = append(toks, token{kind: tokPunct, text: "&&"})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '&' at offset %d", i)
			}

		case r == '!':
			if i+1 < n && runes[i+1] == '=' {
				toks = append(toks, token{kind: tokPunct, text: "!="})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at offset %d", i)
			}

		case r == '>':
			if i+1 < n && runes[i+1] == '=' {
				toks = append(toks, token{kind: tokPunct, text: ">="})
				i += 2
			} else {
				toks = append(toks, token{kind: tokPunct, text: ">"})
				i++
			}

		case strings.ContainsRune("{}().;,*=", r):
			toks = append(toks, token{kind: tokPunct, text: string(r)})
			i++

		case unicode.IsLetter(r) || r == '_':
			j := i
			hasColon := false
			for j < n && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '-' || runes[j] == ':' || runes[j] == '.') {
				if runes[j] == ':' {
					hasColon = true
				}
				// A '.' only belongs to a prefixed local name when followed by
				// a name character.
				if runes[j] == '.' && (j+1 >= n || !(unicode.IsLetter(runes[j+1]) || unicode.IsDigit(runes[j+1]) || runes[j+1] == '_')) {
					break
				}
				j++
			}
			text := string(runes[i:j])
			if hasColon {
				toks = append(toks, token{kind: tokPName, text: text})
			} else if text == "a" {
				toks = append(toks, token{kind: tokPName, text: "a"})
			} else {
				toks = append(toks, token{kind: tokIdent, text: text})
			}
			i = j

		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return toks, nil
}
