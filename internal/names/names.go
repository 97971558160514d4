package names

import (
	"fmt"
	"strings"

	"example.com/egressgen/internal/model"
)

// CollisionError: два правила свернулись в одно имя. Это почти всегда
// дубль в allowlist, молча переименовывать нельзя.
type CollisionError struct {
	Name       string
	FirstPos   int
	FirstDesc  string
	SecondPos  int
	SecondDesc string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("duplicate chain name %q: rule %d (%s) and rule %d (%s)",
		e.Name, e.FirstPos, orNone(e.FirstDesc), e.SecondPos, orNone(e.SecondDesc))
}

func orNone(s string) string {
	if s == "" {
		return "no description"
	}
	return s
}

type owner struct {
	pos  int
	desc string
}

// Allocator issues run-scoped unique chain names.
type Allocator struct {
	issued map[string]owner
}

func NewAllocator() *Allocator {
	return &Allocator{issued: map[string]owner{}}
}

// Allocate derives the chain name for a rule and records it. The name
// is stable for unchanged input: protocol, primary destination token
// and port spec, squashed to [a-zA-Z0-9_].
func (a *Allocator) Allocate(pos int, r model.Rule) (string, error) {
	name := Derive(r)
	if prev, ok := a.issued[name]; ok {
		return "", &CollisionError{
			Name:     name,
			FirstPos: prev.pos, FirstDesc: prev.desc,
			SecondPos: pos, SecondDesc: r.Description,
		}
	}
	a.issued[name] = owner{pos: pos, desc: r.Description}
	return name, nil
}

// Derive computes the name without recording it.
func Derive(r model.Rule) string {
	toks := r.DestinationTokens()
	primary := ""
	if len(toks) > 0 {
		primary = toks[0]
	}
	var port string
	switch {
	case r.Port != nil:
		port = fmt.Sprintf("%d", *r.Port)
	case r.PortRange != nil:
		port = fmt.Sprintf("%d_%d", r.PortRange.Start, r.PortRange.End)
	}
	return Sanitize(fmt.Sprintf("%s_%s_%s", r.Protocol, primary, port))
}

// Sanitize squashes anything outside [a-zA-Z0-9] to '_'.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
