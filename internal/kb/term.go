package kb

import (
	"sort"
	"strings"
)

const (
	XSDDateTime = "xsd:dateTime"
	XSDNumber   = "xsd:number"
)

type termKind int

const (
	kindURI termKind = iota
	kindLiteral
)

// Term is an RDF term bound to a named-operation variable.
type Term struct {
	kind     termKind
	Value    string
	Datatype string
}

// URI returns a resource term. Prefixed names whose prefix is declared in
// the catalog are emitted as-is, anything else is wrapped in angle brackets.
func URI(v string) Term { return Term{kind: kindURI, Value: v} }

// Literal returns a typed literal.
func Literal(v, datatype string) Term { return Term{kind: kindLiteral, Value: v, Datatype: datatype} }

// PlainLiteral returns an untyped literal.
func PlainLiteral(v string) Term { return Term{kind: kindLiteral, Value: v} }

func (t Term) IsURI() bool { return t.kind == kindURI }

// Bindings maps variable names, without the leading '?', to terms.
type Bindings map[string]Term

// Names returns the bound variable names in sorted order.
func (b Bindings) Names() []string {
	names := make([]string, 0, len(b))
	for k := range b {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Row is one solution of a SELECT: variable name to lexical value.
type Row map[string]string

// Rows is an ordered result set.
type Rows []Row

// First returns the first solution, if any.
func (r Rows) First() (Row, bool) {
	if len(r) == 0 {
		return nil, false
	}
	return r[0], true
}

func renderIRI(v string, namespaces map[string]string) string {
	if strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">") {
		return v
	}
	if prefix, local, ok := strings.Cut(v, ":"); ok && !strings.HasPrefix(local, "//") {
		if _, declared := namespaces[prefix]; declared {
			return v
		}
	}
	return "<" + v + ">"
}

var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
)

func renderTerm(t Term, namespaces map[string]string) string {
	if t.IsURI() {
		return renderIRI(t.Value, namespaces)
	}
	lit := `"` + literalEscaper.Replace(t.Value) + `"`
	if t.Datatype != "" {
		lit += "^^" + renderIRI(t.Datatype, namespaces)
	}
	return lit
}
