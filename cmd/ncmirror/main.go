// Command ncmirror crawls a Nix channel's binary cache closure into a local
// catalog and serves it back out over the Nix binary cache HTTP protocol.
// Structured the way the teacher repo's cmd/depot/main.go structures its
// CLI: a Kong root command with one subcommand struct per verb, globals
// embedded for shared flags, slog.JSONHandler for logging.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alecthomas/kong"

	"github.com/ncmirror/ncmirror/internal/catalog"
	"github.com/ncmirror/ncmirror/internal/channel"
	"github.com/ncmirror/ncmirror/internal/config"
	"github.com/ncmirror/ncmirror/internal/mirrormetrics"
	"github.com/ncmirror/ncmirror/internal/narindex"
	"github.com/ncmirror/ncmirror/internal/server"
)

type CLI struct {
	config.Globals
	Version       VersionCmd       `cmd:"" help:"Show version information"`
	IngestChannel IngestChannelCmd `cmd:"" help:"Ingest a Nix channel's binary cache closure into the catalog"`
	Serve         ServeCmd         `cmd:"" help:"Serve the catalog over the Nix binary cache HTTP protocol"`
}

var Version = "dev"

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *config.Globals) error {
	fmt.Printf("%s", Version)
	return nil
}

type IngestChannelCmd struct {
	ChannelURL  string `arg:"" help:"Nix channel URL to ingest, e.g. https://channels.nixos.org/nixos-24.05"`
	CacheURL    string `help:"Override binary cache URL instead of reading the channel's binary-cache-url file" env:"NCMIRROR_CACHE_URL"`
	CatalogPath string `help:"Path to the catalog database" default:"" env:"NCMIRROR_CATALOG_PATH"`
	config.StorageFlags
}

func (cmd *IngestChannelCmd) Run(globals *config.Globals) error {
	log := globals.NewLogger()

	storePath, err := cmd.StorageFlags.ResolvedStorePath()
	if err != nil {
		return err
	}
	catalogPath := config.ResolveCatalogPath(cmd.CatalogPath, storePath)

	cat, err := catalog.Open(catalogPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	m, err := mirrormetrics.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	log.Info("ingesting channel", slog.String("channelURL", cmd.ChannelURL), slog.String("catalogPath", catalogPath))
	result, err := channel.Ingest(context.Background(), cat, cmd.ChannelURL, cmd.CacheURL, m)
	if err != nil {
		return fmt.Errorf("ingest channel: %w", err)
	}

	log.Info("ingest complete",
		slog.Int64("rootID", result.RootID),
		slog.String("revision", result.Revision),
		slog.String("cacheURL", result.CacheURL))
	return nil
}

type ServeCmd struct {
	ListenAddr        string `help:"Address to listen on" default:"127.0.0.1:3000" env:"NCMIRROR_LISTEN_ADDR"`
	MetricsListenAddr string `help:"Address for the Prometheus metrics endpoint" default:":9090" env:"NCMIRROR_METRICS_LISTEN_ADDR"`
	CatalogPath       string `help:"Path to the catalog database" default:"" env:"NCMIRROR_CATALOG_PATH"`
	NixStoreDir       string `help:"Store directory advertised in nix-cache-info" default:"/nix/store" env:"NCMIRROR_NIX_STORE_DIR"`
	WantMassQuery     bool   `help:"Advertise WantMassQuery: 1 in nix-cache-info" default:"true" env:"NCMIRROR_WANT_MASS_QUERY"`
	Priority          int    `help:"Cache priority advertised in nix-cache-info (lower wins over upstream cache.nixos.org)" default:"40" env:"NCMIRROR_PRIORITY"`
	config.StorageFlags
}

func (cmd *ServeCmd) Run(globals *config.Globals) error {
	log := globals.NewLogger()

	storePath, err := cmd.StorageFlags.ResolvedStorePath()
	if err != nil {
		return err
	}
	catalogPath := config.ResolveCatalogPath(cmd.CatalogPath, storePath)

	cat, err := catalog.Open(catalogPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	storage, err := cmd.StorageFlags.Build(context.Background())
	if err != nil {
		return fmt.Errorf("build payload storage: %w", err)
	}

	idx, err := narindex.Build(cat)
	if err != nil {
		return fmt.Errorf("build narinfo index: %w", err)
	}
	log.Info("narinfo index built", slog.Int("artifacts", idx.Len()))

	m, err := mirrormetrics.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	go func() {
		if err := mirrormetrics.ListenAndServe(cmd.MetricsListenAddr); err != nil {
			log.Error("metrics server exited", slog.String("addr", cmd.MetricsListenAddr), slog.String("error", err.Error()))
		}
	}()

	srv := server.New(log, idx, storage, server.CacheInfoConfig{
		StoreDir:      cmd.NixStoreDir,
		WantMassQuery: cmd.WantMassQuery,
		HasPriority:   true,
		Priority:      cmd.Priority,
	}, m)

	httpServer := &http.Server{
		Addr:    cmd.ListenAddr,
		Handler: srv,
	}

	log.Info("starting server", slog.String("addr", cmd.ListenAddr), slog.String("metricsAddr", cmd.MetricsListenAddr))
	err = httpServer.ListenAndServe()
	log.Info("server shutdown complete")
	return err
}

func main() {
	cli := CLI{
		Globals: config.Globals{},
	}

	ctx := kong.Parse(&cli,
		kong.Name("ncmirror"),
		kong.Description("Mirror a Nix channel's binary cache closure and serve it back out"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
