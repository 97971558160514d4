package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"example.com/egressgen/internal/model"
)

// Lookuper is the DNS collaborator; *net.Resolver satisfies it.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Cache reuses lookup results between runs. May be nil.
type Cache interface {
	Get(ctx context.Context, host string) ([]netip.Addr, bool)
	Put(ctx context.Context, host string, addrs []netip.Addr)
}

type WarnKind string

const (
	WarnResolution  WarnKind = "resolution"   // один хост не разрезолвился
	WarnRuleDropped WarnKind = "rule-dropped" // правило осталось без адресатов
)

type Warning struct {
	Kind        WarnKind
	Pos         int
	Description string
	Token       string
	Msg         string
}

func (w Warning) String() string {
	who := fmt.Sprintf("rule %d", w.Pos)
	if w.Description != "" {
		who += fmt.Sprintf(" (%s)", w.Description)
	}
	if w.Kind == WarnRuleDropped {
		return fmt.Sprintf("%s: dropped, no destinations left after resolution", who)
	}
	return fmt.Sprintf("%s: %s: %s", who, w.Token, w.Msg)
}

// Resolution — правило с раскрытыми адресатами.
type Resolution struct {
	Entry
	Resolved []model.ResolvedDestination
}

type Resolver struct {
	Lookup  Lookuper
	Cache   Cache
	Workers int           // bound on concurrent lookups
	Timeout time.Duration // per lookup attempt
	Retries uint64        // extra attempts after the first
}

func New(lookup Lookuper) *Resolver {
	return &Resolver{Lookup: lookup, Workers: 8, Timeout: 5 * time.Second, Retries: 2}
}

// Resolve expands every destination token of the filtered rules.
// Lookup failures drop the single token with a warning; a rule that
// ends up empty is dropped with a warning. The only hard failure is
// context cancellation. Output order follows input order regardless of
// lookup concurrency.
func (r *Resolver) Resolve(ctx context.Context, entries []Entry) ([]Resolution, []Warning, error) {
	addrs, failed, err := r.lookupAll(ctx, hostnames(entries))
	if err != nil {
		return nil, nil, err
	}

	var out []Resolution
	var warns []Warning
	for _, e := range entries {
		res := Resolution{Entry: e}
		if e.Rule.Protocol == model.ProtoHTTP {
			res.Resolved = ExpandHTTP(e.Rule)
			out = append(out, res)
			continue
		}

		seen := map[model.Prefix]struct{}{}
		for _, tok := range e.Rule.DestinationTokens() {
			rd, lookupErr := expandTCP(tok, addrs, failed)
			if lookupErr != nil {
				warns = append(warns, Warning{
					Kind: WarnResolution, Pos: e.Pos, Description: e.Rule.Description,
					Token: tok, Msg: lookupErr.Error(),
				})
				continue
			}
			// de-dup по правилу, первый встретившийся побеждает
			uniq := rd.Prefixes[:0]
			for _, p := range rd.Prefixes {
				if _, dup := seen[p]; dup {
					continue
				}
				seen[p] = struct{}{}
				uniq = append(uniq, p)
			}
			rd.Prefixes = uniq
			if len(rd.Prefixes) > 0 {
				res.Resolved = append(res.Resolved, rd)
			}
		}

		if len(res.Resolved) == 0 {
			warns = append(warns, Warning{Kind: WarnRuleDropped, Pos: e.Pos, Description: e.Rule.Description})
			continue
		}
		out = append(out, res)
	}
	return out, warns, nil
}

// hostnames collects the distinct tcp tokens that need DNS, in first
// occurrence order.
func hostnames(entries []Entry) []string {
	var hosts []string
	seen := map[string]struct{}{}
	for _, e := range entries {
		if e.Rule.Protocol != model.ProtoTCP {
			continue
		}
		for _, tok := range e.Rule.DestinationTokens() {
			if Classify(tok) != model.KindHostname {
				continue
			}
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			hosts = append(hosts, tok)
		}
	}
	return hosts
}

func Classify(tok string) model.DestKind {
	if strings.Contains(tok, "/") {
		return model.KindCIDR
	}
	if _, err := netip.ParseAddr(tok); err == nil {
		return model.KindLiteralIP
	}
	return model.KindHostname
}

// lookupAll resolves the hosts through a bounded worker pool. Results
// land in maps keyed by hostname, so association back to rules stays
// sequential and deterministic.
func (r *Resolver) lookupAll(ctx context.Context, hosts []string) (map[string][]netip.Addr, map[string]error, error) {
	addrs := make(map[string][]netip.Addr, len(hosts))
	failed := make(map[string]error)
	var mu sync.Mutex

	// сначала кэш, потом только промахи в пул
	var misses []string
	for _, host := range hosts {
		if r.Cache != nil {
			if cached, ok := r.Cache.Get(ctx, host); ok {
				addrs[host] = cached
				continue
			}
		}
		misses = append(misses, host)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := r.Workers
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)

	for _, host := range misses {
		host := host
		g.Go(func() error {
			ips, err := r.lookupOne(gctx, host)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err() // весь прогон отменён
				}
				log.WithFields(log.Fields{"host": host}).Warnf("lookup failed: %v", err)
				failed[host] = err
				return nil
			}
			addrs[host] = ips
			if r.Cache != nil {
				r.Cache.Put(ctx, host, ips)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("resolution aborted: %w", err)
	}
	return addrs, failed, nil
}

func (r *Resolver) lookupOne(ctx context.Context, host string) ([]netip.Addr, error) {
	var ips []netip.Addr
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, r.Timeout)
		defer cancel()
		got, err := r.Lookup.LookupNetIP(actx, "ip", host)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				return backoff.Permanent(err) // NXDOMAIN не лечится ретраями
			}
			return err
		}
		ips = got
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(300*time.Millisecond), r.Retries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return normalize(ips), nil
}

// normalize unmaps 4-in-6 answers and sorts, so that unchanged DNS
// data renders byte-identically across runs.
func normalize(ips []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	seen := map[netip.Addr]struct{}{}
	for _, a := range ips {
		a = a.Unmap()
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

func expandTCP(tok string, addrs map[string][]netip.Addr, failed map[string]error) (model.ResolvedDestination, error) {
	switch Classify(tok) {
	case model.KindCIDR:
		p, err := netip.ParsePrefix(tok)
		if err != nil {
			return model.ResolvedDestination{}, err // валидация это уже отсеяла
		}
		p = p.Masked()
		return model.ResolvedDestination{
			Token: tok, Kind: model.KindCIDR,
			Prefixes: []model.Prefix{{Address: p.Addr().String(), PrefixLen: p.Bits()}},
		}, nil
	case model.KindLiteralIP:
		a, err := netip.ParseAddr(tok)
		if err != nil {
			return model.ResolvedDestination{}, err
		}
		a = a.Unmap()
		return model.ResolvedDestination{
			Token: tok, Kind: model.KindLiteralIP,
			Prefixes: []model.Prefix{{Address: a.String(), PrefixLen: fullLen(a)}},
		}, nil
	default:
		if err, ok := failed[tok]; ok {
			return model.ResolvedDestination{}, err
		}
		ips, ok := addrs[tok]
		if !ok {
			return model.ResolvedDestination{}, fmt.Errorf("no lookup result for %s", tok)
		}
		rd := model.ResolvedDestination{Token: tok, Kind: model.KindHostname}
		for _, a := range ips {
			rd.Prefixes = append(rd.Prefixes, model.Prefix{Address: a.String(), PrefixLen: fullLen(a)})
		}
		return rd, nil
	}
}

func fullLen(a netip.Addr) int {
	if a.Is4() {
		return 32
	}
	return 128
}

// expandHTTP: обычный домен даёт пару D и D:порт, wildcard — только
// себя (authority и так матчится без учёта порта). Для диапазона
// портов суффиксы не перечисляем.
func ExpandHTTP(r model.Rule) []model.ResolvedDestination {
	var out []model.ResolvedDestination
	seen := map[string]struct{}{}
	for _, tok := range r.DestinationTokens() {
		rd := model.ResolvedDestination{Token: tok, Kind: model.KindDomainLiteral}
		var matches []string
		if strings.Contains(tok, "*") {
			rd.Kind = model.KindDomainWildcard
			matches = []string{tok}
		} else if r.Port != nil {
			matches = []string{tok, fmt.Sprintf("%s:%d", tok, *r.Port)}
		} else {
			matches = []string{tok}
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			rd.Domains = append(rd.Domains, m)
		}
		if len(rd.Domains) > 0 {
			out = append(out, rd)
		}
	}
	return out
}
