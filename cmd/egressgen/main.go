package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"example.com/egressgen/internal/assemble"
	dbpkg "example.com/egressgen/internal/db"
	"example.com/egressgen/internal/loader"
	"example.com/egressgen/internal/model"
	"example.com/egressgen/internal/names"
	"example.com/egressgen/internal/repo"
	"example.com/egressgen/internal/resolve"
	"example.com/egressgen/internal/service"
	"example.com/egressgen/internal/tui"
	"example.com/egressgen/internal/util"

	log "github.com/sirupsen/logrus"
)

const (
	defaultDB = "/var/lib/egressgen/egressgen.db"
	lockFile  = "/var/lock/egressgen.lock"
)

func openDB(path string) (*sql.DB, error) {
	return sql.Open("sqlite", "file:"+path+"?cache=shared&_busy_timeout=5000")
}

// ensureDB открывает БД кэша/истории и накатывает миграции.
func ensureDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dirOf(path), err)
		}
	}
	conn, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := dbpkg.ApplyAll(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

func main() {
	dbPath := defaultDB
	actor := "ci"

	root := &cobra.Command{
		Use:           "egressgen",
		Short:         "egressgen - compile an egress allowlist into Envoy proxy config",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "path to cache/history sqlite db")
	root.PersistentFlags().StringVar(&actor, "as", "ci", "actor recorded in run history")

	// --- generate ---
	var (
		allowlist, templatePath, output, env, validatorCmd string
		doValidate, noCache                                bool
		workers                                            int
		dnsTimeout, deadline                               time.Duration
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate proxy config for an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := util.Acquire(lockFile)
			if err != nil {
				return err
			}
			defer lock.Release()

			ctx, cancel := context.WithTimeout(context.Background(), deadline)
			defer cancel()

			resolver := resolve.New(net.DefaultResolver)
			resolver.Workers = workers
			resolver.Timeout = dnsTimeout

			svc := service.GenerateService{
				Resolver:  resolver,
				Validator: service.Validator{Runner: util.ShellRunner{}, Cmd: validatorCmd, Timeout: 30 * time.Second},
			}

			// кэш и история — best effort: без БД прогон всё равно идёт
			if conn, err := ensureDB(ctx, dbPath); err != nil {
				log.Warnf("cache/history db unavailable: %v", err)
			} else {
				defer conn.Close()
				if !noCache {
					resolver.Cache = repo.CacheRepo{DB: conn, TTL: time.Hour}
				}
				svc.Audit = &service.AuditService{Repo: repo.AuditRepo{DB: conn}}
			}

			res, err := svc.Generate(ctx, service.GenerateOptions{
				Env:       env,
				Allowlist: allowlist,
				Template:  templatePath,
				Output:    output,
				Validate:  doValidate,
				Actor:     actor,
			})
			if err != nil {
				return err
			}
			fmt.Printf("generated %s: %d/%d rules active, %d chains, %d warning(s)\n",
				output, res.RulesActive, res.RulesTotal, res.Chains, len(res.Warnings))
			return nil
		},
	}
	generate.Flags().StringVarP(&allowlist, "allowlist", "a", "egress-allowlist.yaml", "allowlist yaml")
	generate.Flags().StringVarP(&templatePath, "template", "t", "envoy.yaml.tmpl", "config template")
	generate.Flags().StringVarP(&output, "output", "o", "envoy.yaml", "output path")
	generate.Flags().StringVarP(&env, "env", "e", "", "target environment tag (dev|stg|prd|...)")
	generate.Flags().BoolVar(&doValidate, "validate", false, "validate rendered config with the external binary")
	generate.Flags().StringVar(&validatorCmd, "validator", "envoy", "validator binary")
	generate.Flags().BoolVar(&noCache, "no-cache", false, "bypass the dns cache")
	generate.Flags().IntVar(&workers, "workers", 8, "max concurrent dns lookups")
	generate.Flags().DurationVar(&dnsTimeout, "dns-timeout", 5*time.Second, "per-lookup timeout")
	generate.Flags().DurationVar(&deadline, "deadline", 60*time.Second, "overall generation deadline")
	_ = generate.MarkFlagRequired("env")

	// --- lint ---
	var lintFile string
	lint := &cobra.Command{
		Use:   "lint",
		Short: "Validate the allowlist and report every error",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loader.Load(lintFile)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d rule(s)\n", len(rules))
			return nil
		},
	}
	lint.Flags().StringVarP(&lintFile, "allowlist", "a", "egress-allowlist.yaml", "allowlist yaml")

	// --- list ---
	var listFile, listEnv string
	list := &cobra.Command{
		Use:   "list",
		Short: "List allowlist rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loader.Load(listFile)
			if err != nil {
				return err
			}
			entries := resolve.Entries(rules)
			if listEnv != "" {
				entries = resolve.FilterEnv(entries, listEnv)
			}
			printRulesTable(entries)
			return nil
		},
	}
	list.Flags().StringVarP(&listFile, "allowlist", "a", "egress-allowlist.yaml", "allowlist yaml")
	list.Flags().StringVarP(&listEnv, "env", "e", "", "show only rules active in this environment")

	// --- resolve ---
	var resolveFile string
	resolveCmd := &cobra.Command{
		Use:   "resolve [hostname ...]",
		Short: "Resolve hostnames and print allowlist snippets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			hosts := args
			if resolveFile != "" {
				fromFile, err := allowlistHostnames(resolveFile)
				if err != nil {
					return err
				}
				hosts = append(hosts, fromFile...)
			}
			if len(hosts) == 0 {
				return fmt.Errorf("no hostnames: pass arguments or --file")
			}
			printResolved(ctx, hosts)
			return nil
		},
	}
	resolveCmd.Flags().StringVarP(&resolveFile, "file", "f", "", "resolve every hostname found in this allowlist")

	// --- history ---
	var historyLimit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent generation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := ensureDB(ctx, dbPath)
			if err != nil {
				return err
			}
			defer conn.Close()
			runs, err := repo.AuditRepo{DB: conn}.Recent(ctx, historyLimit)
			if err != nil {
				return err
			}
			printHistoryTable(runs)
			return nil
		},
	}
	history.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max runs to show")

	// --- doctor ---
	var docFile, docTemplate, docIface, docValidator string
	doctor := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local generation environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("✗ %-22s %v\n", name, err)
					return
				}
				fmt.Printf("✓ %s\n", name)
			}
			_, lintErr := loader.Load(docFile)
			check("allowlist", lintErr)
			_, tplErr := os.Stat(docTemplate)
			check("template", tplErr)
			_, pathErr := exec.LookPath(docValidator)
			check("validator binary", pathErr)
			if docIface != "" {
				check("egress interface", util.IfExists(docIface))
			}
			if failed {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
	doctor.Flags().StringVarP(&docFile, "allowlist", "a", "egress-allowlist.yaml", "allowlist yaml")
	doctor.Flags().StringVarP(&docTemplate, "template", "t", "envoy.yaml.tmpl", "config template")
	doctor.Flags().StringVar(&docIface, "iface", "", "egress listener interface to check")
	doctor.Flags().StringVar(&docValidator, "validator", "envoy", "validator binary")

	// --- export ---
	var expFile, expEnv, expOut string
	export := &cobra.Command{
		Use:   "export",
		Short: "Resolve the allowlist and dump the assembled chains as yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			rules, err := loader.Load(expFile)
			if err != nil {
				return err
			}
			active := resolve.FilterEnv(resolve.Entries(rules), expEnv)
			resolutions, warns, err := resolve.New(net.DefaultResolver).Resolve(ctx, active)
			if err != nil {
				return err
			}
			for _, w := range warns {
				log.Warn(w.String())
			}
			doc, err := assemble.Build(expEnv, resolutions)
			if err != nil {
				return err
			}
			if err := util.WriteYAML(expOut, doc); err != nil {
				return err
			}
			fmt.Printf("exported %d chain(s) to %s\n", doc.Chains(), expOut)
			return nil
		},
	}
	export.Flags().StringVarP(&expFile, "allowlist", "a", "egress-allowlist.yaml", "allowlist yaml")
	export.Flags().StringVarP(&expEnv, "env", "e", "", "target environment tag")
	export.Flags().StringVarP(&expOut, "output", "o", "egress-chains.yaml", "output path")
	_ = export.MarkFlagRequired("env")

	// --- tui ---
	var tuiFile, tuiEnv string
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive allowlist browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run(tuiFile, tuiEnv)
		},
	}
	tuiCmd.Flags().StringVarP(&tuiFile, "allowlist", "a", "egress-allowlist.yaml", "allowlist yaml")
	tuiCmd.Flags().StringVarP(&tuiEnv, "env", "e", "", "environment tag for the activity column")

	root.AddCommand(generate, lint, list, resolveCmd, history, doctor, export, tuiCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// allowlistHostnames собирает tcp-хосты, которым нужен DNS.
func allowlistHostnames(path string) ([]string, error) {
	rules, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	var hosts []string
	seen := map[string]struct{}{}
	for _, r := range rules {
		if r.Protocol != model.ProtoTCP {
			continue
		}
		for _, tok := range r.DestinationTokens() {
			if strings.Contains(tok, "/") {
				continue
			}
			if _, err := netip.ParseAddr(tok); err == nil {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			hosts = append(hosts, tok)
		}
	}
	return hosts, nil
}

func printResolved(ctx context.Context, hosts []string) {
	for _, host := range hosts {
		fmt.Printf("%s\n", host)
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			fmt.Printf("  could not resolve: %v\n", err)
			continue
		}
		ss := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ss = append(ss, a.Unmap().String())
		}
		slices.Sort(ss)
		ss = slices.Compact(ss)
		fmt.Printf("  %d address(es)\n", len(ss))
		fmt.Println("  prefix_ranges:")
		for _, ip := range ss {
			fmt.Printf("    - address_prefix: %q\n", ip)
			if strings.Contains(ip, ":") {
				fmt.Println("      prefix_len: 128")
			} else {
				fmt.Println("      prefix_len: 32")
			}
		}
	}
}

// ---------- pretty printers ----------

func printRulesTable(entries []resolve.Entry) {
	fmt.Println("#   PROTO PORT(S)      ENVS            NAME                              DESTINATIONS")
	for _, e := range entries {
		r := e.Rule
		fmt.Printf("%-3d %-5s %-12s %-15s %-33s %s\n",
			e.Pos, r.Protocol, portSpec(r), envSpec(r.Envs),
			names.Derive(r), strings.Join(r.DestinationTokens(), ","))
	}
}

func printHistoryTable(runs []repo.Run) {
	fmt.Println("WHEN                 ACTOR     ENV   STATUS  RULES  CHAINS  WARN  OUTPUT")
	for _, x := range runs {
		fmt.Printf("%-20s %-9s %-5s %-7s %-6d %-7d %-5d %s\n",
			x.TS.Format("2006-01-02 15:04:05"), x.Actor, x.Env, x.Status,
			x.RulesActive, x.Chains, x.Warnings, x.Output)
	}
}

func portSpec(r model.Rule) string {
	switch {
	case r.Port != nil:
		return fmt.Sprint(*r.Port)
	case r.PortRange != nil:
		return fmt.Sprintf("%d-%d", r.PortRange.Start, r.PortRange.End)
	}
	return "-"
}

func envSpec(envs []string) string {
	if len(envs) == 0 {
		return "all"
	}
	return strings.Join(envs, ",")
}
