// Command ipenrich enriches IP addresses and AS numbers from a locally
// cached ip2asn dataset, and can serve the same lookups over whois.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"lukechampine.com/uint128"

	"ipenrich/config"
	"ipenrich/dataset"
	"ipenrich/enrich"
	"ipenrich/geo"
	"ipenrich/pebblestore"
	"ipenrich/sqlexport"
	"ipenrich/whois"
)

var version = "dev"

const (
	envConfigPath     = "IPENRICH_CONFIG"
	defaultConfigPath = "ipenrich.yaml"
	pebbleCacheBytes  = 64 << 20
)

// errReported marks a failure that has already been printed.
var errReported = errors.New("reported")

type app struct {
	configPath string
	fromPebble bool
	cfg        *config.Config
	manager    *dataset.Manager
	pebble     *pebblestore.Provider
	engine     *enrich.Engine
	geo        *geo.Reader
	logs       io.Closer
	out        *console
	errOut     *console
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{out: newConsole(os.Stdout), errOut: newConsole(os.Stderr)}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		if !errors.Is(err, errReported) {
			a.errOut.Println("[red]Error:[-] " + describeError(err, a.cfg))
		}
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var (
		ip       string
		asn      string
		updateDB bool
		force    bool
	)
	root := &cobra.Command{
		Use:           "ipenrich",
		Short:         "IP and ASN enrichment from a local ip2asn dataset",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if updateDB && a.pebble != nil {
				return errors.New("--update-db refreshes the cache; run it without --pebble, then export pebble")
			}
			if updateDB {
				if err := a.update(ctx, force); err != nil {
					return err
				}
			}
			switch {
			case ip != "":
				return a.printIP(ctx, ip)
			case asn != "":
				return a.printASN(ctx, asn)
			case updateDB:
				return nil
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file or directory (env "+envConfigPath+")")
	root.PersistentFlags().BoolVar(&a.fromPebble, "pebble", false, "answer from the Pebble export under export.pebble_root instead of the cache")
	root.Flags().StringVarP(&ip, "ip", "i", "", "IP address to enrich")
	root.Flags().StringVarP(&asn, "asn", "a", "", "ASN to look up (13335 or AS13335)")
	root.Flags().BoolVar(&updateDB, "update-db", false, "refresh the cached dataset before answering")
	root.Flags().BoolVar(&force, "force", false, "with --update-db, download even when the cache is fresh")

	root.AddCommand(newSearchCmd(a), newStatusCmd(a), newExportCmd(a), newServeCmd(a))
	return root
}

func newSearchCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <owner>",
		Short: "Find ASNs by owner name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			results, err := a.engine.SearchOwner(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				a.out.Println(fmt.Sprintf("[red]No owners match %q[-]", query))
				return errReported
			}
			tw := tabwriter.NewWriter(a.out.w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ASN\tCOUNTRY\tRANGES\tIPv4\tOWNER")
			for _, res := range results {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", res.ASN, orDash(res.CountryCode),
					len(res.Ranges), formatCount(res.IPv4Count), res.Owner)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of matches")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the cached dataset and its freshness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.status(cmd.Context(), verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print the effective configuration")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the dataset to an on-disk index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "pebble",
		Short: "Build a Pebble range database and point CURRENT_DB at it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.exportPebble(cmd.Context())
		},
	}, &cobra.Command{
		Use:   "sqlite",
		Short: "Write a SQLite database with asn and ranges tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.exportSQLite(cmd.Context())
		},
	})
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var allowUpdate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer whois queries and refresh the dataset daily",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), allowUpdate)
		},
	}
	cmd.Flags().BoolVar(&allowUpdate, "allow-update", false, "accept the !update command from clients")
	return cmd
}

// Purpose: Load config, logging, the dataset manager and the engine.
// Key aspects: A missing default config file means defaults; an explicit
// path must exist. GeoIP is optional and a failure to open it only warns.
// Upstream: root PersistentPreRunE.
// Downstream: loadConfig, setupLogging, dataset.NewManager, geo.Open, enrich.New.
func (a *app) init() error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	closer, err := setupLogging(cfg.Logging, os.Stderr)
	a.logs = closer
	if err != nil {
		log.Warn("logging setup incomplete", "error", err)
	}
	if cfg.LoadedFrom != "" {
		log.Debug("config loaded", "path", cfg.LoadedFrom)
	}

	a.manager, err = dataset.NewManager(cfg.Dataset)
	if err != nil {
		return err
	}
	var opts []enrich.Option
	if path := cfg.GeoIP.CityDBPath; path != "" {
		reader, err := geo.Open(path)
		if err != nil {
			log.Warn("geoip disabled", "error", err)
		} else {
			a.geo = reader
			opts = append(opts, enrich.WithGeo(reader))
			log.Debug("geoip enabled", "path", path, "type", reader.DatabaseType())
		}
	}
	if a.fromPebble {
		a.pebble, err = pebblestore.NewProvider(cfg.Export.PebbleRoot, pebbleCacheBytes, cfg.Dataset.MaxAge)
		if err != nil {
			return fmt.Errorf("%w (run export pebble first)", err)
		}
		log.Debug("serving from pebble", "path", a.pebble.Path())
		a.engine = enrich.New(a.pebble, opts...)
		return nil
	}
	a.engine = enrich.New(a.manager, opts...)
	return nil
}

func (a *app) close() {
	if a.pebble != nil {
		_ = a.pebble.Close()
	}
	if a.geo != nil {
		_ = a.geo.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Purpose: Resolve the config path from flag, env, or default location.
// Key aspects: Only the implicit default may be absent.
// Upstream: app.init.
// Downstream: config.Load.
func loadConfig(flagPath string) (*config.Config, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigPath); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(defaultConfigPath)
}

func (a *app) update(ctx context.Context, force bool) error {
	start := time.Now()
	if err := a.engine.TriggerUpdate(ctx, force); err != nil {
		return err
	}
	st, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}
	a.out.Println(fmt.Sprintf("[green]Dataset ready:[-] %s ranges, %s ASNs, fetched %s (%s)",
		humanize.Comma(int64(st.IPv4Ranges+st.IPv6Ranges)), humanize.Comma(int64(st.ASNs)),
		humanize.Time(st.FetchedAt), time.Since(start).Round(time.Millisecond)))
	return nil
}

func (a *app) printIP(ctx context.Context, ip string) error {
	res, err := a.engine.EnrichIP(ctx, ip)
	if err != nil {
		return err
	}
	a.out.Println("[bold]IP Enrichment[-]")
	tw := tabwriter.NewWriter(a.out.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  ip\t%s\n", res.IP)
	if res.Covered {
		fmt.Fprintf(tw, "  asn\t%s\n", res.ASN)
		fmt.Fprintf(tw, "  owner\t%s\n", orDash(res.Owner))
		fmt.Fprintf(tw, "  country\t%s\n", orDash(res.CountryCode))
		fmt.Fprintf(tw, "  range\t%s - %s\n", res.RangeStart, res.RangeEnd)
		cover := dataset.AddressRange{Start: res.RangeStart, End: res.RangeEnd}.Prefixes()
		fmt.Fprintf(tw, "  cidr\t%s\n", joinPrefixes(cover))
		fmt.Fprintf(tw, "  assigned\t%t\n", res.Assigned)
	} else {
		fmt.Fprintf(tw, "  asn\t%s\n", "not announced")
	}
	if loc := res.Geo; loc != nil {
		place := loc.Country
		if loc.City != "" {
			place = loc.City + ", " + place
		}
		fmt.Fprintf(tw, "  location\t%s (%s)\n", orDash(place), orDash(loc.CountryCode))
		if loc.TimeZone != "" {
			fmt.Fprintf(tw, "  timezone\t%s\n", loc.TimeZone)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	a.staleNote(res.Stale)
	return nil
}

func (a *app) printASN(ctx context.Context, raw string) error {
	res, err := a.engine.LookupASNString(ctx, raw)
	if errors.Is(err, enrich.ErrNotFound) {
		a.out.Println(fmt.Sprintf("[red]No entries found for ASN %s[-]", strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "AS")))
		return errReported
	}
	if err != nil {
		return err
	}
	a.out.Println(fmt.Sprintf("[bold][blue]%s[-]", res.ASN))
	a.out.Println(fmt.Sprintf("[bold]Owner:[-] %s", orDash(res.Owner)))
	a.out.Println(fmt.Sprintf("[bold]Country:[-] %s", orDash(res.CountryCode)))
	a.out.Println(fmt.Sprintf("[bold]Addresses:[-] %s IPv4, %s IPv6", formatCount(res.IPv4Count), formatCount(res.IPv6Count)))
	a.out.Println("")
	tw := tabwriter.NewWriter(a.out.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START IP\tEND IP")
	for _, r := range res.Ranges {
		fmt.Fprintf(tw, "%s\t%s\n", r.Start, r.End)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(res.Prefixes) > 0 {
		a.out.Println("")
		a.out.Println("[bold]Prefixes:[-] " + joinPrefixes(res.Prefixes))
	}
	a.staleNote(res.Stale)
	return nil
}

func (a *app) status(ctx context.Context, verbose bool) error {
	if verbose {
		a.cfg.Print(a.out.w)
		a.out.Println("")
	}
	st, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}
	a.printStatus(st)
	return nil
}

func (a *app) printStatus(st enrich.Status) {
	tw := tabwriter.NewWriter(a.out.w, 0, 0, 2, ' ', 0)
	if a.pebble != nil {
		fmt.Fprintf(tw, "pebble\t%s\n", a.pebble.Path())
	} else {
		fmt.Fprintf(tw, "cache\t%s\n", a.manager.CachePath())
	}
	fmt.Fprintf(tw, "source\t%s\n", orDash(st.Source))
	fmt.Fprintf(tw, "fetched\t%s (%s)\n", st.FetchedAt.UTC().Format(time.RFC3339), humanize.Time(st.FetchedAt))
	fmt.Fprintf(tw, "max age\t%s\n", a.cfg.Dataset.MaxAge)
	fmt.Fprintf(tw, "ipv4 ranges\t%s\n", humanize.Comma(int64(st.IPv4Ranges)))
	fmt.Fprintf(tw, "ipv6 ranges\t%s\n", humanize.Comma(int64(st.IPv6Ranges)))
	fmt.Fprintf(tw, "asns\t%s\n", humanize.Comma(int64(st.ASNs)))
	fmt.Fprintf(tw, "conflicts\t%s\n", humanize.Comma(int64(st.Conflicts)))
	fmt.Fprintf(tw, "checksum\t%016x\n", st.Checksum)
	_ = tw.Flush()
	a.staleNote(st.Stale)
}

func (a *app) staleNote(stale bool) {
	if stale {
		a.errOut.Println("[yellow]Warning:[-] dataset is older than " + a.cfg.Dataset.MaxAge.String() + "; run with --update-db")
	}
}

// Purpose: Build a fresh Pebble database from the current snapshot.
// Key aspects: New directory per build, CURRENT_DB swap, then old
// directories are removed. The first and last ranges are read back through
// CURRENT_DB before reporting success.
// Upstream: export pebble command.
// Downstream: pebblestore.Build, UpdateCurrent, NewProvider, Cleanup.
func (a *app) exportPebble(ctx context.Context) error {
	snap, err := a.manager.Current(ctx)
	if err != nil {
		return err
	}
	root := a.cfg.Export.PebbleRoot
	start := time.Now()
	dbPath, err := pebblestore.Build(ctx, snap, root, true)
	if err != nil {
		return err
	}
	if err := pebblestore.UpdateCurrent(root, dbPath); err != nil {
		return err
	}
	reader := a.pebble
	if reader != nil {
		// Move off the old database before Cleanup removes it.
		if _, err := reader.Update(ctx, false); err != nil {
			return err
		}
	} else {
		reader, err = pebblestore.NewProvider(root, pebbleCacheBytes, a.cfg.Dataset.MaxAge)
		if err != nil {
			return err
		}
		defer reader.Close()
	}
	if err := pebblestore.Cleanup(root, dbPath); err != nil {
		log.Warn("pebble cleanup failed", "root", root, "error", err)
	}

	records := snap.Records()
	for _, want := range []dataset.AddressRange{records[0], records[len(records)-1]} {
		got, ok, err := reader.LookupRange(want.Start)
		if err != nil {
			return err
		}
		if !ok || got != want {
			return fmt.Errorf("pebble export %s: lookup of %s returned %+v, want %+v", reader.Path(), want.Start, got, want)
		}
	}
	a.out.Println(fmt.Sprintf("[green]Pebble export:[-] %s (%s ranges, fetched %s) in %s",
		reader.Path(), humanize.Comma(int64(len(records))), humanize.Time(reader.FetchedAt()),
		time.Since(start).Round(time.Millisecond)))
	return nil
}

// Purpose: Write and verify the SQLite export.
// Key aspects: The export is read back and compared with the snapshot.
// Upstream: export sqlite command.
// Downstream: sqlexport.Write, sqlexport.Verify, sqlexport.Check.
func (a *app) exportSQLite(ctx context.Context) error {
	snap, err := a.manager.Current(ctx)
	if err != nil {
		return err
	}
	path := a.cfg.Export.SQLitePath
	start := time.Now()
	if err := sqlexport.Write(ctx, snap, path); err != nil {
		return err
	}
	if err := sqlexport.Verify(ctx, path); err != nil {
		return err
	}
	if err := sqlexport.Check(ctx, path, snap); err != nil {
		return err
	}
	size := "unknown size"
	if info, err := os.Stat(path); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	a.out.Println(fmt.Sprintf("[green]SQLite export:[-] %s (%s, %s ASNs) in %s",
		path, size, humanize.Comma(int64(snap.Index.Len())), time.Since(start).Round(time.Millisecond)))
	return nil
}

// Purpose: Run the whois listener and the daily refresh until interrupted.
// Key aspects: The dataset is loaded before listening so the first query
// never pays for a cache read. With --pebble there is no feed refresh;
// !update reloads CURRENT_DB instead.
// Upstream: serve command.
// Downstream: Engine.Status, Manager.Run, whois.NewServer.
func (a *app) serve(ctx context.Context, allowUpdate bool) error {
	st, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}
	log.Info("dataset loaded", "ranges", st.IPv4Ranges+st.IPv6Ranges, "asns", st.ASNs, "fetched_at", st.FetchedAt)

	srv := whois.NewServer(whois.Options{
		Listen:         a.cfg.Whois.Listen,
		MaxConnections: a.cfg.Whois.MaxConnections,
		Transport:      a.cfg.Whois.Transport,
		AllowUpdate:    allowUpdate,
	}, a.engine)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	if a.pebble == nil {
		go a.manager.Run(ctx)
	}
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// describeError turns dataset and input failures into one actionable line.
func describeError(err error, cfg *config.Config) string {
	cachePath := config.DefaultCachePath
	if cfg != nil {
		cachePath = cfg.Dataset.CachePath
	}
	var cacheErr *dataset.CacheError
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, enrich.ErrInvalidAddress):
		return fmt.Sprintf("not a valid IP address (%v)", err)
	case errors.Is(err, enrich.ErrInvalidASN):
		return fmt.Sprintf("not a valid AS number (%v)", err)
	case errors.Is(err, dataset.ErrMissing):
		return fmt.Sprintf("no cached dataset at %s; run with --update-db to download it", cachePath)
	case errors.Is(err, dataset.ErrFetchFailed):
		return fmt.Sprintf("dataset download failed, cached data left unchanged: %v", err)
	case errors.As(err, &cacheErr):
		return fmt.Sprintf("cached dataset at %s is unreadable: %v; run with --update-db --force to rebuild it", cacheErr.Path, cacheErr.Err)
	case errors.Is(err, dataset.ErrOverlap),
		errors.Is(err, dataset.ErrEmpty),
		errors.Is(err, dataset.ErrMalformed),
		errors.Is(err, dataset.ErrInconsistent):
		return fmt.Sprintf("downloaded dataset rejected, cached data left unchanged: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return err.Error()
}

func formatCount(v uint128.Uint128) string {
	return humanize.BigComma(v.Big())
}

func joinPrefixes(prefixes []netip.Prefix) string {
	cidrs := make([]string, len(prefixes))
	for i, p := range prefixes {
		cidrs[i] = p.String()
	}
	return strings.Join(cidrs, " ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
