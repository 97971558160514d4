package repo

import (
	"context"
	"database/sql"
	"net/netip"
	"strings"
	"time"
)

// CacheRepo — DNS-кэш в sqlite. Resolver получает его как
// resolve.Cache; ошибки кэша никогда не валят прогон.
type CacheRepo struct {
	DB  *sql.DB
	TTL time.Duration
}

func (r CacheRepo) Get(ctx context.Context, host string) ([]netip.Addr, bool) {
	var joined string
	var resolvedAt int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT addrs, resolved_at FROM dns_cache WHERE host=?`, host).Scan(&joined, &resolvedAt)
	if err != nil {
		return nil, false
	}
	if r.TTL > 0 && time.Since(time.Unix(resolvedAt, 0)) > r.TTL {
		return nil, false
	}
	var out []netip.Addr
	for _, s := range strings.Split(joined, ",") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, false
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func (r CacheRepo) Put(ctx context.Context, host string, addrs []netip.Addr) {
	if len(addrs) == 0 {
		return
	}
	ss := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ss = append(ss, a.String())
	}
	_, _ = r.DB.ExecContext(ctx,
		`INSERT INTO dns_cache(host,addrs,resolved_at) VALUES(?,?,?)
		 ON CONFLICT(host) DO UPDATE SET addrs=excluded.addrs, resolved_at=excluded.resolved_at`,
		host, strings.Join(ss, ","), time.Now().Unix())
}
