package assemble

import (
	"example.com/egressgen/internal/model"
	"example.com/egressgen/internal/names"
	"example.com/egressgen/internal/resolve"
)

// Document is the sole structure handed to the template. No
// timestamps, no diagnostics: повторный прогон по тем же данным
// обязан дать байт-в-байт тот же вывод.
type Document struct {
	Env  string                  `yaml:"env"`
	HTTP []model.FilterChainSpec `yaml:"http,omitempty"`
	TCP  []model.FilterChainSpec `yaml:"tcp,omitempty"`
}

func (d *Document) Chains() int { return len(d.HTTP) + len(d.TCP) }

// Build names every resolved rule and merges it into an ordered
// document. Order follows the post-filter source order. A name
// collision is fatal and returns before anything is rendered.
func Build(env string, rs []resolve.Resolution) (*Document, error) {
	alloc := names.NewAllocator()
	doc := &Document{Env: env}
	for _, r := range rs {
		name, err := alloc.Allocate(r.Pos, r.Rule)
		if err != nil {
			return nil, err
		}
		spec := model.FilterChainSpec{
			Name:        name,
			Protocol:    r.Rule.Protocol,
			Port:        r.Rule.Port,
			PortRange:   r.Rule.PortRange,
			Description: r.Rule.Description,
		}
		for _, rd := range r.Resolved {
			spec.Prefixes = append(spec.Prefixes, rd.Prefixes...)
			spec.Domains = append(spec.Domains, rd.Domains...)
		}
		if r.Rule.Protocol == model.ProtoHTTP {
			doc.HTTP = append(doc.HTTP, spec)
		} else {
			doc.TCP = append(doc.TCP, spec)
		}
	}
	return doc, nil
}
