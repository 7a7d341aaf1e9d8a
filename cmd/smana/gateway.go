package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	smana "github.com/smanahotels/smana-admin/sdk/golang"
)

var gatewayListen string

func init() {
	gatewayCmd.Flags().StringVar(&gatewayListen, "listen", "", "Address to listen on (default from gateway.listen)")
	rootCmd.AddCommand(gatewayCmd)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve the admin app through a local offline-capable cache",
	Long: `Run a local HTTP gateway in front of the admin app and its API.

Static assets are served cache-first, API reads network-first with a stale
fallback, and page loads fall back to the cached offline page. The gateway
also serves the web app manifest, Prometheus metrics at /metrics, and accepts
relayed push deliveries at /push.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		listen := valueOrDefault(gatewayListen, cfg.Gateway.Listen)

		cache, err := smana.NewSQLiteResponseCache(smana.SQLiteDSNForFile(cfg.Gateway.CacheDB))
		if err != nil {
			return errors.Wrap(err, "open response cache")
		}
		defer cache.Close()

		routerCfg := &smana.RouterConfig{
			APIOrigin: cfg.Default.BaseURL,
			AppOrigin: cfg.Default.AppURL,
			Cache:     cache,
		}
		worker := smana.NewWorker(&smana.WorkerConfig{
			Router:        smana.NewRouter(routerCfg),
			Notifications: &consoleNotifications{},
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := worker.Dispatch(ctx, smana.WorkerEvent{Type: smana.WorkerInstall}); err != nil {
			log.Warn().Err(err).Msg("precache failed, serving without an app shell")
		} else if _, err := (&smana.UpdateAdopter{Waiting: worker}).Adopt(ctx); err != nil {
			log.Warn().Err(err).Msg("activate worker")
		}

		relay, err := smana.NewPushRelay(worker, cfg.Gateway.PushSecret, nil)
		if err != nil {
			return err
		}
		proxy, err := newGatewayProxy(worker.Router())
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/push", relay)
		mux.Handle("/manifest.webmanifest", smana.ManifestHandler(smana.AdminManifest()))
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", proxy)

		srv := &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Gateway listening on http://%s (worker %s)\n", listen, worker.State())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	},
}

// newGatewayProxy forwards API and socket paths to the API origin and
// everything else to the app origin, through router.
func newGatewayProxy(router *smana.Router) (*httputil.ReverseProxy, error) {
	api, err := url.Parse(router.Config().APIOrigin)
	if err != nil {
		return nil, errors.Wrap(err, "parse API origin")
	}
	app, err := url.Parse(router.Config().AppOrigin)
	if err != nil {
		return nil, errors.Wrap(err, "parse app origin")
	}
	transport := router.Config().TransportPath

	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			target := app
			if strings.HasPrefix(r.In.URL.Path, "/api/") || strings.HasPrefix(r.In.URL.Path, transport) {
				target = api
			}
			r.SetURL(target)
			r.Out.Host = target.Host
		},
		Transport: router,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			log.Warn().Err(err).Str("path", req.URL.Path).Msg("gateway upstream failed")
			http.Error(rw, "upstream unavailable", http.StatusBadGateway)
		},
	}, nil
}

// consoleNotifications prints shown notifications and keeps them in a tray.
type consoleNotifications struct {
	smana.NotificationTray
}

func (c *consoleNotifications) Show(ctx context.Context, spec smana.NotificationSpec) (string, error) {
	id, err := c.NotificationTray.Show(ctx, spec)
	if err != nil {
		return "", err
	}
	printToast(smana.Toast{Level: smana.ToastInfo, Title: spec.Title, Message: spec.Body + " " + color.HiBlackString(spec.URL())})
	return id, nil
}
