package model

// Protocol таких два: фильтры L7 по :authority и L4 по IP-префиксу.
const (
	ProtoHTTP = "http"
	ProtoTCP  = "tcp"
)

// PortRange — inclusive диапазон портов.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Rule — одна запись allowlist. После загрузки не изменяется.
type Rule struct {
	Protocol     string     `yaml:"protocol"`
	Destination  *string    `yaml:"destination,omitempty"`
	Destinations []string   `yaml:"destinations,omitempty"`
	Domains      []string   `yaml:"domains,omitempty"`
	Port         *int       `yaml:"port,omitempty"`
	PortRange    *PortRange `yaml:"port_range,omitempty"`
	Envs         []string   `yaml:"envs,omitempty"`
	Description  string     `yaml:"description,omitempty"`
}

// DestinationTokens returns whichever destination shape is populated,
// in source order. Validation guarantees exactly one shape is set.
func (r Rule) DestinationTokens() []string {
	switch {
	case r.Destination != nil:
		return []string{*r.Destination}
	case len(r.Destinations) > 0:
		return r.Destinations
	default:
		return r.Domains
	}
}

// ActiveIn reports whether the rule applies to env.
// Empty envs means every environment.
func (r Rule) ActiveIn(env string) bool {
	if len(r.Envs) == 0 {
		return true
	}
	for _, e := range r.Envs {
		if e == env {
			return true
		}
	}
	return false
}

// DestKind classifies a destination token after resolution.
type DestKind string

const (
	KindLiteralIP      DestKind = "literal-ip"
	KindCIDR           DestKind = "cidr"
	KindHostname       DestKind = "hostname"
	KindDomainLiteral  DestKind = "domain-literal"
	KindDomainWildcard DestKind = "domain-wildcard"
)

// Prefix — IP-префикс для filter_chain_match.
type Prefix struct {
	Address   string `yaml:"address_prefix"`
	PrefixLen int    `yaml:"prefix_len"`
}

// ResolvedDestination is the expansion of one token: prefixes for tcp,
// match strings for http.
type ResolvedDestination struct {
	Token    string
	Kind     DestKind
	Prefixes []Prefix
	Domains  []string
}

// FilterChainSpec — готовая единица для шаблона: имя, протокол,
// порт(ы) и список совпадений.
type FilterChainSpec struct {
	Name        string     `yaml:"name"`
	Protocol    string     `yaml:"protocol"`
	Port        *int       `yaml:"port,omitempty"`
	PortRange   *PortRange `yaml:"port_range,omitempty"`
	Prefixes    []Prefix   `yaml:"prefixes,omitempty"`
	Domains     []string   `yaml:"domains,omitempty"`
	Description string     `yaml:"description,omitempty"`
}
