package resolve

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"

	"example.com/egressgen/internal/model"
)

// fakeLookup — DNS-заглушка с подсчётом обращений.
type fakeLookup struct {
	mu    sync.Mutex
	hosts map[string][]string
	calls map[string]int
}

func newFakeLookup(hosts map[string][]string) *fakeLookup {
	return &fakeLookup{hosts: hosts, calls: map[string]int{}}
}

func (f *fakeLookup) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[host]++
	ips, ok := f.hosts[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, s := range ips {
		out = append(out, netip.MustParseAddr(s))
	}
	return out, nil
}

func (f *fakeLookup) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func tcpRule(port int, toks ...string) model.Rule {
	r := model.Rule{Protocol: model.ProtoTCP, Port: &port}
	if len(toks) == 1 {
		r.Destination = &toks[0]
	} else {
		r.Destinations = toks
	}
	return r
}

func httpRule(port int, toks ...string) model.Rule {
	r := model.Rule{Protocol: model.ProtoHTTP, Port: &port}
	if len(toks) == 1 {
		r.Destination = &toks[0]
	} else {
		r.Domains = toks
	}
	return r
}

func TestResolveCIDRNoDNS(t *testing.T) {
	lk := newFakeLookup(nil)
	r := New(lk)
	out, warns, err := r.Resolve(context.Background(), Entries([]model.Rule{tcpRule(9092, "10.20.30.0/24")}))
	if err != nil {
		t.Fatal(err)
	}
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %v", warns)
	}
	if lk.totalCalls() != 0 {
		t.Fatalf("CIDR must not hit DNS, got %d calls", lk.totalCalls())
	}
	if len(out) != 1 || len(out[0].Resolved) != 1 {
		t.Fatalf("want 1 resolution, got %+v", out)
	}
	p := out[0].Resolved[0].Prefixes
	if len(p) != 1 || p[0] != (model.Prefix{Address: "10.20.30.0", PrefixLen: 24}) {
		t.Fatalf("want 10.20.30.0/24, got %+v", p)
	}
}

func TestResolveCIDRMasksHostBits(t *testing.T) {
	r := New(newFakeLookup(nil))
	out, _, err := r.Resolve(context.Background(), Entries([]model.Rule{tcpRule(443, "10.20.30.77/24")}))
	if err != nil {
		t.Fatal(err)
	}
	p := out[0].Resolved[0].Prefixes[0]
	if p.Address != "10.20.30.0" || p.PrefixLen != 24 {
		t.Fatalf("host bits not masked: %+v", p)
	}
}

func TestResolveLiteralIPs(t *testing.T) {
	r := New(newFakeLookup(nil))
	out, _, err := r.Resolve(context.Background(),
		Entries([]model.Rule{tcpRule(443, "192.0.2.7", "2001:db8::1")}))
	if err != nil {
		t.Fatal(err)
	}
	ps := out[0].Resolved
	if len(ps) != 2 {
		t.Fatalf("want 2 resolved tokens, got %d", len(ps))
	}
	if ps[0].Prefixes[0].PrefixLen != 32 {
		t.Errorf("ipv4 literal wants /32, got /%d", ps[0].Prefixes[0].PrefixLen)
	}
	if ps[1].Prefixes[0].PrefixLen != 128 {
		t.Errorf("ipv6 literal wants /128, got /%d", ps[1].Prefixes[0].PrefixLen)
	}
}

func TestResolveHostnameFailureIsolated(t *testing.T) {
	lk := newFakeLookup(map[string][]string{}) // всё в NXDOMAIN
	r := New(lk)
	out, warns, err := r.Resolve(context.Background(),
		Entries([]model.Rule{tcpRule(6379, "bad-host.invalid", "10.0.0.5")}))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("rule must survive with remaining destinations, got %+v", out)
	}
	got := out[0].Resolved
	if len(got) != 1 || got[0].Prefixes[0].Address != "10.0.0.5" {
		t.Fatalf("want only 10.0.0.5, got %+v", got)
	}
	if len(warns) != 1 || warns[0].Kind != WarnResolution || warns[0].Token != "bad-host.invalid" {
		t.Fatalf("want one resolution warning for bad-host.invalid, got %v", warns)
	}
}

func TestResolveRuleDroppedWhenEmpty(t *testing.T) {
	r := New(newFakeLookup(nil))
	out, warns, err := r.Resolve(context.Background(),
		Entries([]model.Rule{
			tcpRule(5432, "gone.invalid"),
			tcpRule(443, "198.51.100.9"),
		}))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Pos != 2 {
		t.Fatalf("want only rule 2 to survive, got %+v", out)
	}
	var dropped bool
	for _, w := range warns {
		if w.Kind == WarnRuleDropped && w.Pos == 1 {
			dropped = true
		}
	}
	if !dropped {
		t.Fatalf("want rule-dropped warning for rule 1, got %v", warns)
	}
}

func TestResolveSortsAndDedupsAddresses(t *testing.T) {
	lk := newFakeLookup(map[string][]string{
		"multi.internal": {"10.0.0.9", "10.0.0.1", "10.0.0.9", "10.0.0.5"},
	})
	r := New(lk)
	out, _, err := r.Resolve(context.Background(), Entries([]model.Rule{tcpRule(443, "multi.internal")}))
	if err != nil {
		t.Fatal(err)
	}
	ps := out[0].Resolved[0].Prefixes
	want := []string{"10.0.0.1", "10.0.0.5", "10.0.0.9"}
	if len(ps) != len(want) {
		t.Fatalf("want %d prefixes, got %+v", len(want), ps)
	}
	for i, w := range want {
		if ps[i].Address != w {
			t.Errorf("prefix %d: want %s, got %s", i, w, ps[i].Address)
		}
	}
}

func TestResolveDedupsAcrossTokens(t *testing.T) {
	lk := newFakeLookup(map[string][]string{"alias.internal": {"10.0.0.5"}})
	r := New(lk)
	out, _, err := r.Resolve(context.Background(),
		Entries([]model.Rule{tcpRule(443, "10.0.0.5", "alias.internal")}))
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, rd := range out[0].Resolved {
		total += len(rd.Prefixes)
	}
	if total != 1 {
		t.Fatalf("want duplicate prefix removed, got %+v", out[0].Resolved)
	}
	// первый встретившийся (литерал) выигрывает
	if out[0].Resolved[0].Kind != model.KindLiteralIP {
		t.Fatalf("first occurrence must win, got %+v", out[0].Resolved)
	}
}

func TestResolveSharedHostnameLookedUpOnce(t *testing.T) {
	lk := newFakeLookup(map[string][]string{"kafka.internal": {"10.1.0.1"}})
	r := New(lk)
	_, _, err := r.Resolve(context.Background(), Entries([]model.Rule{
		tcpRule(9092, "kafka.internal"),
		tcpRule(9093, "kafka.internal"),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if lk.calls["kafka.internal"] != 1 {
		t.Fatalf("want 1 lookup, got %d", lk.calls["kafka.internal"])
	}
}

func TestExpandHTTPDomainAndPortPair(t *testing.T) {
	r := New(newFakeLookup(nil))
	out, _, err := r.Resolve(context.Background(), Entries([]model.Rule{httpRule(443, "api.github.com")}))
	if err != nil {
		t.Fatal(err)
	}
	got := out[0].Resolved[0].Domains
	want := []string{"api.github.com", "api.github.com:443"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestExpandHTTPWildcardNoPortSuffix(t *testing.T) {
	r := New(newFakeLookup(nil))
	out, _, err := r.Resolve(context.Background(), Entries([]model.Rule{httpRule(443, "*.monitoring.internal")}))
	if err != nil {
		t.Fatal(err)
	}
	got := out[0].Resolved[0].Domains
	if len(got) != 1 || got[0] != "*.monitoring.internal" {
		t.Fatalf(`want exactly ["*.monitoring.internal"], got %v`, got)
	}
	if out[0].Resolved[0].Kind != model.KindDomainWildcard {
		t.Fatalf("want wildcard kind, got %s", out[0].Resolved[0].Kind)
	}
}

func TestExpandHTTPPortRangeBareDomain(t *testing.T) {
	r := model.Rule{
		Protocol:  model.ProtoHTTP,
		Domains:   []string{"grafana.internal"},
		PortRange: &model.PortRange{Start: 3000, End: 3005},
	}
	rds := ExpandHTTP(r)
	if len(rds) != 1 || len(rds[0].Domains) != 1 || rds[0].Domains[0] != "grafana.internal" {
		t.Fatalf("port range must not expand suffixes, got %+v", rds)
	}
}

// staticCache — кэш-заглушка.
type staticCache struct {
	data map[string][]netip.Addr
	puts map[string][]netip.Addr
}

func (c *staticCache) Get(_ context.Context, host string) ([]netip.Addr, bool) {
	a, ok := c.data[host]
	return a, ok
}
func (c *staticCache) Put(_ context.Context, host string, addrs []netip.Addr) {
	c.puts[host] = addrs
}

func TestResolveUsesCache(t *testing.T) {
	lk := newFakeLookup(map[string][]string{"fresh.internal": {"10.2.0.1"}})
	cache := &staticCache{
		data: map[string][]netip.Addr{"cached.internal": {netip.MustParseAddr("10.9.9.9")}},
		puts: map[string][]netip.Addr{},
	}
	r := New(lk)
	r.Cache = cache
	out, _, err := r.Resolve(context.Background(), Entries([]model.Rule{
		tcpRule(443, "cached.internal"),
		tcpRule(443, "fresh.internal"),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if lk.calls["cached.internal"] != 0 {
		t.Error("cached host must not hit DNS")
	}
	if lk.calls["fresh.internal"] != 1 {
		t.Error("uncached host must be resolved")
	}
	if _, ok := cache.puts["fresh.internal"]; !ok {
		t.Error("fresh result must be written back to the cache")
	}
	if out[0].Resolved[0].Prefixes[0].Address != "10.9.9.9" {
		t.Errorf("cached address expected, got %+v", out[0].Resolved)
	}
}
