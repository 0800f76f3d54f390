package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // profiling port is opt-in
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mpapenbr/gridscout-relay/log"
	"github.com/mpapenbr/gridscout-relay/pkg/config"
	"github.com/mpapenbr/gridscout-relay/pkg/endpoints/health"
	"github.com/mpapenbr/gridscout-relay/pkg/endpoints/stream"
	"github.com/mpapenbr/gridscout-relay/pkg/hub"
	"github.com/mpapenbr/gridscout-relay/pkg/livetiming"
	"github.com/mpapenbr/gridscout-relay/pkg/model"
	"github.com/mpapenbr/gridscout-relay/pkg/standings"
	"github.com/mpapenbr/gridscout-relay/pkg/transform"
	"github.com/mpapenbr/gridscout-relay/pkg/utils"
	"github.com/mpapenbr/gridscout-relay/pkg/utils/certs"
)

const (
	StreamPath        = "/api/realtime"
	defaultSessionID  = "6310beca-dcc5-4be7-95b3-f5a9d33f27b7"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var appConfig config.Config // holds processed config values

//nolint:funlen // flag definitions
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "starts the live timing relay",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			var warnings []error
			appConfig, warnings = config.Resolve()
			for _, w := range warnings {
				fmt.Fprintln(os.Stderr, w)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&config.Addr,
		"addr",
		"a",
		"localhost:8080",
		"http server listen address (plain text, h2c)")
	cmd.Flags().StringVar(&config.TLSAddr,
		"tls-addr",
		"",
		"http server listen address (tls)")
	cmd.Flags().StringVar(&config.TLSCertFile,
		"tls-cert",
		"",
		"file containing the TLS certificate")
	cmd.Flags().StringVar(&config.TLSKeyFile,
		"tls-key",
		"",
		"file containing the TLS key")
	cmd.Flags().StringVar(&config.TLSCAFile,
		"tls-ca",
		"",
		"file containing the CA used to verify client certificates")
	cmd.Flags().StringVar(&config.TraefikCerts,
		"traefik-certs",
		"",
		"traefik acme.json file containing the certificate")
	cmd.Flags().StringVar(&config.TraefikCertDomain,
		"traefik-cert-domain",
		"",
		"domain to lookup in the traefik certs file")

	cmd.Flags().StringVar(&config.LivetimingURL,
		"livetiming-url",
		livetiming.DefaultBaseURL,
		"base url of the live timing service")
	cmd.Flags().StringVar(&config.LivetimingHub,
		"livetiming-hub",
		livetiming.DefaultHub,
		"hub name used for negotiation and subscription")
	cmd.Flags().StringVar(&config.LivetimingProtocol,
		"livetiming-protocol",
		livetiming.DefaultProtocol,
		"client protocol version")
	cmd.Flags().StringSliceVar(&config.Streams,
		"streams",
		model.DefaultStreams,
		"streams to subscribe")
	cmd.Flags().StringVar(&config.SubscribeDelay,
		"subscribe-delay",
		"250ms",
		"delay between socket open and subscription")
	cmd.Flags().StringVar(&config.ReconnectBase,
		"reconnect-base",
		"1s",
		"first reconnect delay, doubled on each attempt")
	cmd.Flags().StringVar(&config.ReconnectMax,
		"reconnect-max",
		"30s",
		"max reconnect delay")
	cmd.Flags().IntVar(&config.ReconnectAttempts,
		"reconnect-attempts",
		livetiming.DefaultBackoff.MaxAttempts,
		"reconnect attempts before giving up")

	cmd.Flags().StringVar(&config.StandingsURL,
		"standings-url",
		standings.DefaultBaseURL,
		"base url of the standings api")
	cmd.Flags().StringVar(&config.StandingsSession,
		"standings-session",
		defaultSessionID,
		"session id to poll")
	cmd.Flags().StringVar(&config.StandingsAPIKey,
		"standings-api-key",
		"",
		"api key for the standings api")
	cmd.Flags().StringVar(&config.StandingsToken,
		"standings-token",
		"",
		"bearer token for the standings api")

	cmd.Flags().StringVar(&config.PollInterval,
		"poll-interval",
		"1s",
		"standings poll interval")
	cmd.Flags().StringVar(&config.HeartbeatInterval,
		"heartbeat-interval",
		"30s",
		"viewer heartbeat interval")
	cmd.Flags().StringVar(&config.EventCountry,
		"event-country",
		"",
		"country name of the event")
	cmd.Flags().StringVar(&config.EventCountryAlpha3,
		"event-country-alpha3",
		"",
		"ISO alpha3 code of the event country")
	cmd.Flags().BoolVar(&config.DisconnectWhenIdle,
		"disconnect-when-idle",
		false,
		"close the live timing connection when the last viewer leaves")

	cmd.Flags().StringVar(&config.LogLevel,
		"log-level",
		"info",
		"controls the log level (debug, info, warn, error, fatal)")
	cmd.Flags().StringVar(&config.LogFormat,
		"log-format",
		"json",
		"controls the log output format")
	cmd.Flags().StringVar(&config.LogFilter,
		"log-filter",
		"",
		"zapfilter rules, e.g. '*:* debug:livetiming'")
	cmd.Flags().StringVar(&config.LogFile,
		"log-file",
		"",
		"write logs to this file (rotated) instead of stderr")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data")
	cmd.Flags().BoolVar(&config.TelemetryStdout,
		"telemetry-stdout",
		false,
		"export telemetry data to stdout")
	cmd.Flags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func setupLogger() (*log.Logger, error) {
	var w io.Writer = os.Stderr
	if config.LogFile != "" {
		w = log.FileWriter(config.LogFile)
	}
	opts := []log.Option{log.WithCaller(true), log.AddCallerSkip(1)}
	if config.LogFilter != "" {
		filter, err := log.WithFilter(config.LogFilter)
		if err != nil {
			return nil, fmt.Errorf("invalid log filter: %w", err)
		}
		opts = append(opts, filter)
	}
	if config.LogFormat == "json" {
		return log.New(w, parseLogLevel(config.LogLevel, log.InfoLevel), opts...), nil
	}
	return log.DevLogger(w, parseLogLevel(config.LogLevel, log.DebugLevel), opts...), nil
}

//nolint:funlen,cyclop // startup sequence
func startServer(parent context.Context) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}
	log.ResetDefault(logger)
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.AddToContext(ctx, logger)

	log.Debug("Config:",
		log.String("addr", config.Addr),
		log.String("tlsAddr", config.TLSAddr),
		log.String("livetimingURL", config.LivetimingURL),
		log.Strings("streams", config.Streams),
		log.String("standingsURL", config.StandingsURL),
		log.String("standingsSession", config.StandingsSession),
		log.String("standingsAPIKey", utils.Fingerprint(config.StandingsAPIKey)),
		log.Duration("pollInterval", appConfig.PollInterval),
		log.Bool("disconnectWhenIdle", config.DisconnectWhenIdle),
	)

	if config.ProfilingPort > 0 {
		log.Info("Starting profiling server on port", log.Int("port", config.ProfilingPort))
		go func() {
			//nolint:gosec // no timeouts for the profiling server
			err := http.ListenAndServe(
				fmt.Sprintf("localhost:%d", config.ProfilingPort),
				nil)
			if err != nil {
				log.Error("Profiling server stopped", log.ErrorField(err))
			}
		}()
	}

	waitForRequiredServices(ctx)

	var telemetry *config.Telemetry
	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		if telemetry, err = config.SetupTelemetry(ctx); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	app, err := newRelay(ctx)
	if err != nil {
		log.Error("relay could not be created", log.ErrorField(err))
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(StreamPath, app.stream)
	health.Register(mux, app.hub)
	handler := h2c.NewHandler(newCORS().Handler(mux), &http2.Server{})

	servers, err := startListeners(ctx, handler)
	if err != nil {
		log.Error("server could not be started", log.ErrorField(err))
		app.shutdown()
		return err
	}
	log.Info("Server started")
	setupGoRoutinesDump()

	<-ctx.Done()
	log.Debug("Got signal", log.ErrorField(context.Cause(ctx)))

	// viewers keep their requests open, close them before the servers
	app.shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", log.String("addr", srv.Addr), log.ErrorField(err))
		}
	}
	if telemetry != nil {
		telemetry.Shutdown()
	}
	log.Info("Server terminated")
	return nil
}

type relay struct {
	hub    *hub.Hub
	stream *stream.Handler
}

func (r *relay) shutdown() {
	r.stream.Close()
	r.hub.Shutdown()
}

func newRelay(ctx context.Context) (*relay, error) {
	standingsOpts := []standings.Option{
		standings.WithBaseURL(config.StandingsURL),
		standings.WithSession(config.StandingsSession),
		standings.WithAPIKey(config.StandingsAPIKey),
		standings.WithInterval(appConfig.PollInterval),
	}
	if config.StandingsToken != "" {
		standingsOpts = append(standingsOpts, standings.WithToken(config.StandingsToken))
	}
	poller := standings.New(standingsOpts...)

	// the hub and the client reference each other, the client only emits
	// events after the hub called Connect
	var h *hub.Hub
	rt, err := livetiming.New(
		livetiming.WithBaseURL(config.LivetimingURL),
		livetiming.WithHub(config.LivetimingHub),
		livetiming.WithProtocol(config.LivetimingProtocol),
		livetiming.WithStreams(config.Streams...),
		livetiming.WithSubscribeDelay(appConfig.SubscribeDelay),
		livetiming.WithBackoff(livetiming.Backoff{
			Base:        appConfig.ReconnectBase,
			Max:         appConfig.ReconnectMax,
			MaxAttempts: config.ReconnectAttempts,
		}),
		livetiming.WithHandler(func(ev livetiming.Event) { h.HandleRealtime(ev) }),
		livetiming.WithReconnectGuard(func() bool { return h.HasSubscribers() }),
	)
	if err != nil {
		return nil, err
	}
	h = hub.New(rt, poller,
		hub.WithContext(ctx),
		hub.WithPollInterval(appConfig.PollInterval),
		hub.WithDisconnectWhenIdle(config.DisconnectWhenIdle),
		hub.WithTransformOptions(transform.Options{
			Country: model.Country{
				Name:   config.EventCountry,
				Alpha3: config.EventCountryAlpha3,
			},
		}),
	)
	return &relay{
		hub:    h,
		stream: stream.NewHandler(h, stream.WithHeartbeat(appConfig.HeartbeatInterval)),
	}, nil
}

func startListeners(ctx context.Context, handler http.Handler) ([]*http.Server, error) {
	servers := []*http.Server{}
	serve := func(srv *http.Server, l net.Listener) {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(l, "", "")
		} else {
			err = srv.Serve(l)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", log.String("addr", srv.Addr), log.ErrorField(err))
		}
	}
	newServer := func(addr string) *http.Server {
		return &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}

	log.Info("Starting http server", log.String("addr", config.Addr))
	l, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, err
	}
	srv := newServer(config.Addr)
	servers = append(servers, srv)
	go serve(srv, l)

	if config.TLSAddr == "" {
		return servers, nil
	}
	tlsConfig, err := newTLSConfig(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, err
	}
	log.Info("Starting https server", log.String("addr", config.TLSAddr))
	tl, err := net.Listen("tcp", config.TLSAddr)
	if err != nil {
		_ = srv.Close()
		return nil, err
	}
	tlsSrv := newServer(config.TLSAddr)
	tlsSrv.TLSConfig = tlsConfig
	servers = append(servers, tlsSrv)
	go serve(tlsSrv, tl)
	return servers, nil
}

func newTLSConfig(ctx context.Context) (*tls.Config, error) {
	opts := []certs.Option{certs.WithLogger(log.Default().Named("certs"))}
	if config.TraefikCerts != "" {
		opts = append(opts, certs.WithTraefik(config.TraefikCerts, config.TraefikCertDomain))
	} else {
		opts = append(opts, certs.WithKeyPair(config.TLSCertFile, config.TLSKeyFile))
	}
	if config.TLSCAFile != "" {
		opts = append(opts, certs.WithClientCA(config.TLSCAFile))
	}
	return certs.NewProvider(opts...).TLSConfig(ctx)
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

// waitForRequiredServices checks that the upstream hosts accept connections.
// A failing check is logged, the relay keeps retrying on its own.
func waitForRequiredServices(ctx context.Context) {
	wg := sync.WaitGroup{}
	checkTCP := func(addr string) {
		defer wg.Done()
		if err := utils.WaitForTCP(ctx, addr, appConfig.WaitForServices); err != nil {
			log.Warn("upstream service not ready",
				log.String("addr", addr), log.ErrorField(err))
		}
	}
	for _, url := range []string{config.LivetimingURL, config.StandingsURL} {
		if addr, _ := utils.ExtractAddr(url); addr != "" {
			wg.Add(1)
			go checkTCP(addr)
		}
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	log.Debug("Connection checks done")
}

func newCORS() *cors.Cors {
	// viewers are browsers on arbitrary origins
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Accept",
			"Accept-Encoding",
			"Connect-Accept-Encoding",
			"Connect-Content-Encoding",
			"Content-Encoding",
			"Grpc-Accept-Encoding",
			"Grpc-Encoding",
			"Grpc-Message",
			"Grpc-Status",
			"Grpc-Status-Details-Bin",
		},
		// FF caps this value at 24h, Chrome at 2h
		MaxAge: int(2 * time.Hour / time.Second),
	})
}
