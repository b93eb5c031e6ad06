package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"syscall"
	"time"

	"github.com/aukilabs/dagaz/featureflag"
	dagazhttp "github.com/aukilabs/dagaz/http"
	"github.com/aukilabs/dagaz/models"
	"github.com/aukilabs/dagaz/smoketest"
	"github.com/aukilabs/dagaz/spatial"
	dwebsocket "github.com/aukilabs/dagaz/websocket"
	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The Dagaz version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "dagaz_info",
		Help:        "Dagaz information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// Keeps the config field names when the binary is obfuscated so the cli
// package generates readable options.
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"DAGAZ_ADDR"                 help:"Listening address for client connections."`
	AdminAddr          string        `cli:""        env:"DAGAZ_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string        `cli:""        env:"DAGAZ_PUBLIC_ENDPOINT"      help:"The public endpoint where this Dagaz server is reachable."`
	ServerID           string        `cli:""        env:"DAGAZ_SERVER_ID"            help:"The prefix of global index ids."`
	LogLevel           string        `cli:""        env:"DAGAZ_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"DAGAZ_LOG_INDENT"           help:"Indent logs."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"DAGAZ_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle client will be disconnected."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"DAGAZ_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	Index              indexConfig   `cli:""        env:"-"                          help:"Index configuration."`
	Events             eventsConfig  `cli:",hidden" env:"-"                          help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"DAGAZ_FEATURE_FLAGS"        help:"Comma separated feature flags."`
	Version            bool          `cli:""        env:"-"                          help:"Show version."`
	Help               bool          `cli:""        env:"-"                          help:"Show help."`
}

type indexConfig struct {
	Capacity   int `cli:"" env:"DAGAZ_INDEX_CAPACITY"    help:"The default number of items a node holds before it is subdivided."`
	MaxDepth   int `cli:"" env:"DAGAZ_INDEX_MAX_DEPTH"   help:"The default maximum depth of index trees."`
	MaxIndexes int `cli:"" env:"DAGAZ_INDEX_MAX_INDEXES" help:"The maximum number of indexes. 0 means no limit."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"DAGAZ_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"DAGAZ_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"DAGAZ_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"DAGAZ_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		PublicEndpoint:     "http://localhost:4000",
		LogLevel:           logs.InfoLevel.String(),
		ClientIdleTimeout:  time.Minute * 5,
		LogSummaryInterval: time.Minute,
		Index: indexConfig{
			Capacity:   8,
			MaxDepth:   8,
			MaxIndexes: 1024,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts Dagaz spatial index server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	transport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     transport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "dagaz",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	featureFlags := featureflag.New(conf.FeatureFlags)

	indexes := models.IndexStore{
		ServerID:   conf.ServerID,
		MaxIndexes: conf.Index.MaxIndexes,
	}

	readinessCheck := func() bool {
		return ctx.Err() == nil
	}

	service := http.NewServeMux()

	api := dagazhttp.IndexAPI{
		Indexes:         &indexes,
		FeatureFlags:    featureFlags,
		DefaultCapacity: conf.Index.Capacity,
		DefaultMaxDepth: conf.Index.MaxDepth,
	}
	api.Register(service)

	service.HandleFunc("GET /health", dagazhttp.HandleHealthCheck)
	service.HandleFunc("GET /ready", dagazhttp.HandleReadyCheck(readinessCheck))
	service.HandleFunc("GET /version", dagazhttp.HandleVersion(version))

	featureFlags.IfNotSet(featureflag.FlagDisableSmokeTest, func() {
		service.HandleFunc("POST /smoke-test", smoketest.HandleSmokeTest(smoketest.Options{
			Endpoint:  conf.PublicEndpoint,
			UserAgent: fmt.Sprintf("Dagaz %s", version),
			Transport: transport,
		}))
	})

	service.Handle("/ws", websocket.Server{
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var h dwebsocket.Handler = &dwebsocket.RealtimeHandler{
				ClientIdleTimeout: conf.ClientIdleTimeout,
				Indexes:           &indexes,
				FeatureFlags:      featureFlags,
			}
			h = dwebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
			h = dwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			dwebsocket.Handle(ctx, conn, h)
		},
	})

	service.Handle("/ping", websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			io.Copy(ws, ws)
		},
	})

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", dagazhttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", dagazhttp.HandleReadyCheck(readinessCheck))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("feature_flags", conf.FeatureFlags).
		WithTag("max_dimensions", spatial.MaxDimensions).
		Info("starting dagaz server")

	dagazhttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(
			dagazhttp.HandleWithCORS(service),
			dagazhttp.MetricsPathFormatter,
		)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if conf.Index.Capacity < 1 {
		return errors.New("index capacity must be greater than zero").
			WithTag("capacity", conf.Index.Capacity)
	}

	if conf.Index.MaxDepth < 0 || conf.Index.MaxDepth > spatial.MaxDepth {
		return errors.New("index max depth out of range").
			WithTag("max_depth", conf.Index.MaxDepth).
			WithTag("limit", spatial.MaxDepth)
	}

	if conf.Index.MaxIndexes < 0 {
		return errors.New("max indexes must not be negative").
			WithTag("max_indexes", conf.Index.MaxIndexes)
	}

	if conf.ClientIdleTimeout <= 0 {
		return errors.New("client idle timeout must be positive").
			WithTag("client_idle_timeout", conf.ClientIdleTimeout)
	}

	return nil
}
