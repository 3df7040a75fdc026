package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/client/cdn"
	"github.com/dmitrijs2005/attachkit/internal/client/client"
	"github.com/dmitrijs2005/attachkit/internal/client/config"
	"github.com/dmitrijs2005/attachkit/internal/client/metrics"
	"github.com/dmitrijs2005/attachkit/internal/client/repositories/attachments"
	"github.com/dmitrijs2005/attachkit/internal/client/services"
	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/dmitrijs2005/attachkit/internal/logging"
	"github.com/dmitrijs2005/attachkit/internal/netx"
	"github.com/prometheus/client_golang/prometheus"
)

// App wires the attachment manager for one attachctl invocation.
type App struct {
	config   *config.Config
	db       *sql.DB
	manager  *services.Manager
	registry *prometheus.Registry
	log      logging.Logger

	out      io.Writer
	in       *bufio.Reader
	progress *progressPrinter
}

// NewApp opens the local database, reconciles it and builds the manager.
// out receives command output; nil means stdout.
func NewApp(ctx context.Context, c *config.Config, log logging.Logger, out io.Writer) (*App, error) {
	log = logging.OrNoop(log)
	if out == nil {
		out = os.Stdout
	}

	db, err := client.InitDatabase(ctx, client.DSN(c.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	app, err := build(ctx, c, db, log, out)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

func build(ctx context.Context, c *config.Config, db *sql.DB, log logging.Logger, out io.Writer) (*App, error) {
	store, err := attachments.NewStore(db, c.BlobDir, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	met, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	httpClient := netx.NewHTTPClient(c.RequestTimeout)

	source, err := newSource(ctx, c, httpClient)
	if err != nil {
		return nil, err
	}

	token := c.AccessToken
	if token == "" && isTerminal(int(os.Stdin.Fd())) {
		if token, err = GetSecret("Access token", out); err != nil {
			return nil, err
		}
	}

	app := &App{
		config:   c,
		db:       db,
		registry: registry,
		log:      log,
		out:      out,
		in:       bufio.NewReader(os.Stdin),
		progress: newProgressPrinter(out, isTerminal(int(os.Stdout.Fd()))),
	}

	app.manager, err = services.NewManager(services.Config{
		Store:    store,
		Forms:    client.NewHTTPFormClient(c.ServerURL, httpClient, client.StaticToken(token)),
		Uploader: netx.NewUploader(httpClient, c.CDNURLs[c.UploadCDN], c.UploadCDN),
		Source:   source,
		Retry:    c.RetryPolicy(),
		Workers:  c.Workers,
		Logger:   log,
		Metrics:  met,
		Progress: app.progress.update,
	})
	if err != nil {
		return nil, err
	}

	if _, err := app.manager.Reconcile(ctx); err != nil && !errors.Is(err, common.ErrStorageCorruption) {
		app.manager.Close()
		return nil, err
	}
	return app, nil
}

func newSource(ctx context.Context, c *config.Config, httpClient *http.Client) (cdn.Source, error) {
	switch c.DownloadSource {
	case config.SourceS3:
		return cdn.NewS3Source(ctx, cdn.S3Config{
			Endpoint:      c.S3Endpoint,
			Region:        c.S3Region,
			AccessKey:     c.S3AccessKey,
			SecretKey:     c.S3SecretKey,
			DefaultBucket: c.S3Bucket,
		}, httpClient)
	case config.SourceMinio:
		host, secure := minioEndpoint(c.S3Endpoint)
		return cdn.NewMinioSource(cdn.MinioConfig{
			Endpoint:      host,
			AccessKey:     c.S3AccessKey,
			SecretKey:     c.S3SecretKey,
			UseSSL:        secure,
			Region:        c.S3Region,
			DefaultBucket: c.S3Bucket,
		}, httpClient)
	default:
		return cdn.NewHTTPSource(httpClient, c.CDNURLs), nil
	}
}

// minioEndpoint accepts host:port or a URL.
func minioEndpoint(endpoint string) (string, bool) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, false
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint, false
	}
	return u.Host, u.Scheme == "https"
}

// ServeMetrics exposes the transfer metrics on addr until ctx is done.
func (a *App) ServeMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error(ctx, "metrics server stopped", logging.KeyError, err)
		}
	}()

	a.log.Info(ctx, "serving metrics", "addr", ln.Addr().String())
	return nil
}

// Close stops pending transfers and closes the database.
func (a *App) Close() error {
	a.manager.Close()
	return a.db.Close()
}
