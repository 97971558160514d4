package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"example.com/egressgen/internal/model"
)

// Document — верхний уровень allowlist-файла.
type Document struct {
	Egress []model.Rule `yaml:"egress"`
}

var ErrSchema = errors.New("allowlist schema error")

// RuleError is a structural violation in a single rule.
type RuleError struct {
	Index       int // 1-based position in the document
	Description string
	Field       string
	Msg         string
}

func (e RuleError) Error() string {
	who := fmt.Sprintf("rule %d", e.Index)
	if e.Description != "" {
		who += fmt.Sprintf(" (%s)", e.Description)
	}
	return fmt.Sprintf("%s: %s: %s", who, e.Field, e.Msg)
}

// ValidationErrors aggregates every rule error in the document so the
// operator fixes all of them in one edit cycle.
type ValidationErrors []RuleError

func (v ValidationErrors) Error() string {
	ss := make([]string, 0, len(v))
	for _, e := range v {
		ss = append(ss, e.Error())
	}
	return fmt.Sprintf("%d invalid rule(s):\n  %s", len(v), strings.Join(ss, "\n  "))
}

// Load reads and validates an allowlist file.
func Load(path string) ([]model.Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	return Parse(b)
}

// Parse decodes the document strictly (unknown fields are schema
// errors) and validates every rule. Rules come back in source order.
func Parse(b []byte) ([]model.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrSchema)
		}
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var verrs ValidationErrors
	for i, r := range doc.Egress {
		verrs = append(verrs, validateRule(i+1, r)...)
	}
	if len(verrs) > 0 {
		return nil, verrs
	}
	return doc.Egress, nil
}

func validateRule(idx int, r model.Rule) []RuleError {
	var errs []RuleError
	bad := func(field, msg string) {
		errs = append(errs, RuleError{Index: idx, Description: r.Description, Field: field, Msg: msg})
	}

	if r.Protocol == "" {
		bad("protocol", "missing")
	} else if !oneOf(r.Protocol, model.ProtoHTTP, model.ProtoTCP) {
		bad("protocol", fmt.Sprintf("unknown %q, want http or tcp", r.Protocol))
	}

	// ровно одна форма destination
	shapes := 0
	if r.Destination != nil {
		shapes++
	}
	if len(r.Destinations) > 0 {
		shapes++
	}
	if len(r.Domains) > 0 {
		shapes++
	}
	switch shapes {
	case 0:
		bad("destination", "one of destination, destinations or domains is required")
	case 1:
	default:
		bad("destination", "destination, destinations and domains are mutually exclusive")
	}

	if len(r.Destinations) > 0 && r.Protocol != model.ProtoTCP {
		bad("destinations", "only allowed with protocol tcp")
	}
	if len(r.Domains) > 0 && r.Protocol != model.ProtoHTTP {
		bad("domains", "only allowed with protocol http")
	}

	for _, tok := range r.DestinationTokens() {
		errs = append(errs, validateToken(idx, r, tok)...)
	}

	// ровно одна форма порта
	switch {
	case r.Port == nil && r.PortRange == nil:
		bad("port", "one of port or port_range is required")
	case r.Port != nil && r.PortRange != nil:
		bad("port", "port and port_range are mutually exclusive")
	case r.Port != nil:
		if *r.Port < 1 || *r.Port > 65535 {
			bad("port", fmt.Sprintf("%d outside 1..65535", *r.Port))
		}
	default:
		if r.PortRange.Start < 1 || r.PortRange.Start > 65535 {
			bad("port_range.start", fmt.Sprintf("%d outside 1..65535", r.PortRange.Start))
		}
		if r.PortRange.End < 1 || r.PortRange.End > 65535 {
			bad("port_range.end", fmt.Sprintf("%d outside 1..65535", r.PortRange.End))
		}
		if r.PortRange.Start > r.PortRange.End {
			bad("port_range", fmt.Sprintf("start %d > end %d", r.PortRange.Start, r.PortRange.End))
		}
	}
	return errs
}

func validateToken(idx int, r model.Rule, tok string) []RuleError {
	var errs []RuleError
	bad := func(msg string) {
		errs = append(errs, RuleError{Index: idx, Description: r.Description, Field: tok, Msg: msg})
	}

	if strings.TrimSpace(tok) == "" {
		bad("empty destination token")
		return errs
	}
	if strings.Contains(tok, "/") {
		if r.Protocol != model.ProtoTCP {
			bad("CIDR only allowed with protocol tcp")
		} else if _, err := netip.ParsePrefix(tok); err != nil {
			bad("invalid CIDR")
		}
		return errs
	}
	if strings.Contains(tok, "*") {
		if r.Protocol != model.ProtoHTTP {
			bad("wildcard only allowed with protocol http")
			return errs
		}
		if !ValidWildcard(tok) {
			bad("wildcard must be a single leading label, e.g. *.example.com")
		}
	}
	return errs
}

// ValidWildcard: ровно одна '*', и только как первый label целиком.
func ValidWildcard(tok string) bool {
	if strings.Count(tok, "*") != 1 {
		return false
	}
	rest, ok := strings.CutPrefix(tok, "*.")
	return ok && rest != "" && !strings.Contains(rest, "*")
}

func oneOf(v string, xs ...string) bool {
	for _, x := range xs {
		if v == x {
			return true
		}
	}
	return false
}
