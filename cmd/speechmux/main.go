// Command speechmux streams audio or text to the speech platform and prints
// the results.
//
// With -audio it sends one PCM or WAV file as a single request, with -text one
// text request. Otherwise every line read from stdin becomes a text request
// and the command runs until stdin is exhausted.
//
// -mode pipeline (the default) drives the pipelined client. unary,
// client-stream, server-stream and bidi drive the single-operation runner
// with that call shape, one request at a time.
//
// The YAML config is watched: log level and request parameters are applied
// live, SIGHUP forces a reload.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/speechmux/internal/config"
	"github.com/MrWong99/speechmux/internal/health"
	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/internal/resilience"
	"github.com/MrWong99/speechmux/pkg/audio"
	"github.com/MrWong99/speechmux/pkg/codec"
	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/params"
	"github.com/MrWong99/speechmux/pkg/speech"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/transport/ws"
	"github.com/MrWong99/speechmux/pkg/wire"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "speechmux.yaml", "path to the YAML configuration file")
	audioPath := flag.String("audio", "", "raw PCM or WAV file to send as one request")
	text := flag.String("text", "", "text to send as one request")
	outPath := flag.String("out", "", "file that receives audio results, WAV when it ends in .wav")
	chunk := flag.Int("chunk", 3200, "bytes of -audio per push, 0 sends the file in one push")
	mode := flag.String("mode", modePipeline, "client mode: pipeline, unary, client-stream, server-stream or bidi")
	overrides := map[string]string{}
	flag.Func("param", "per-request parameter override key=value (repeatable)", func(s string) error {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return fmt.Errorf("want key=value, got %q", s)
		}
		overrides[k] = v
		return nil
	})
	flag.Parse()

	shape, useRunner, err := parseMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speechmux: %v\n", err)
		return 1
	}
	if useRunner && !shape.StreamsRequests() {
		*chunk = 0
	}

	// ── Configuration ─────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	store := &params.Store{}
	watcher, err := config.NewWatcher(*configPath, func(old, cur *config.Config) {
		applyChanges(config.Diff(old, cur), levelVar, store)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speechmux: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speechmux: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()
	store.Replace(cfg.Params)

	// ── Logging and telemetry ─────────────────────────────────────────────────
	restoreLog, err := observe.InitLogging(observe.LogConfig{
		Level:    string(cfg.Server.LogLevel),
		Format:   string(cfg.Server.LogFormat),
		LevelVar: levelVar,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "speechmux: %v\n", err)
		return 1
	}
	defer restoreLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	shutdownTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registry:       promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	slog.Info("speechmux starting",
		"version", version,
		"config", *configPath,
		"service", cfg.Connection.Service,
		"endpoints", len(cfg.Connection.URLs),
		"mode", *mode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Client ────────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerTransports(reg)

	dialer, err := buildDialer(cfg.Connection, reg)
	if err != nil {
		slog.Error("failed to build dialer", "err", err)
		return 1
	}
	var client session
	if useRunner {
		client, err = buildRunner(cfg, shape, dialer, store, metrics)
	} else {
		client, err = buildClient(cfg, dialer, store, metrics)
	}
	if err != nil {
		slog.Error("failed to build client", "err", err)
		return 1
	}
	defer func() {
		if err := client.Release(); err != nil {
			slog.Warn("client release error", "err", err)
		}
	}()

	// ── Health and metrics endpoint (optional) ────────────────────────────────
	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newServer(addr, promReg, metrics,
			health.Connected("connection", client),
			health.AnyClosed("endpoints", dialer),
		)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		slog.Info("http endpoint listening", "addr", addr)
	}

	// ── Reload on SIGHUP ──────────────────────────────────────────────────────
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := watcher.Reload(); err != nil {
					slog.Warn("config reload failed", "err", err)
				}
			}
		}
	}()

	if err := client.Prepare(ctx); err != nil {
		slog.Error("failed to prepare client", "err", err)
		return 1
	}

	var audioOut bytes.Buffer
	if *outPath != "" {
		defer func() {
			if err := writeAudio(*outPath, outFormat(store), audioOut.Bytes()); err != nil {
				slog.Error("failed to write audio output", "path", *outPath, "err", err)
			}
		}()
	}

	var src source
	switch {
	case *audioPath != "":
		src = audioSource{path: *audioPath, chunk: *chunk, target: outFormat(store)}
	case *text != "":
		src = textSource{lines: []string{*text}}
	default:
		src = lineSource{r: os.Stdin}
	}

	submitted := make(chan int, 1)
	go func() {
		n, err := src.submit(ctx, client, overrides)
		if err != nil && ctx.Err() == nil {
			slog.Error("submit failed", "err", err)
		}
		submitted <- n
	}()

	failed := drain(ctx, client, submitted, os.Stdout, &audioOut)
	if ctx.Err() != nil {
		slog.Info("shutdown signal received, stopping")
	}
	if failed > 0 {
		return 2
	}
	return 0
}

// applyChanges applies the hot-reloadable part of a config change.
func applyChanges(d config.ConfigDiff, levelVar *slog.LevelVar, store *params.Store) {
	if d.LogLevelChanged {
		if lvl, err := observe.ParseLevel(string(d.NewLogLevel)); err == nil {
			levelVar.Set(lvl)
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
	}
	if d.ParamsChanged {
		for k, v := range d.Params {
			store.Set(k, v)
		}
		slog.Info("request parameters updated", "keys", len(d.Params))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ── Transport wiring ──────────────────────────────────────────────────────────

func registerTransports(reg *config.Registry) {
	wsFactory := func(endpoint string, cfg config.ConnectionConfig) (transport.Dialer, error) {
		opts := []ws.Option{
			ws.WithQuery("service", string(cfg.Service)),
			ws.WithReadLimit(int64(cfg.MaxFrameBytes) * 4),
		}
		for k, v := range cfg.Headers {
			opts = append(opts, ws.WithHeader(k, v))
		}
		return ws.NewDialer(endpoint, opts...)
	}
	reg.Register("ws", wsFactory)
	reg.Register("wss", wsFactory)

	for _, s := range reg.Schemes() {
		slog.Debug("registered transport", "scheme", s)
	}
}

func buildDialer(cfg config.ConnectionConfig, reg *config.Registry) (*resilience.FailoverDialer, error) {
	eps := make([]resilience.Endpoint, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		d, err := reg.CreateDialer(u, cfg)
		if err != nil {
			return nil, err
		}
		eps = append(eps, resilience.Endpoint{Name: u, Dialer: d})
	}
	return resilience.NewFailoverDialer(resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout,
		HalfOpenMax:  cfg.Breaker.HalfOpenMax,
	}, eps...)
}

func buildClient(cfg *config.Config, dialer transport.Dialer, store *params.Store, m *observe.Metrics) (*speech.Client, error) {
	c := cfg.Connection
	fc, err := codec.ForName[wire.Frame](c.Codec)
	if err != nil {
		return nil, err
	}
	return speech.New(dialer,
		speech.WithService(string(c.Service)),
		speech.WithProtocol(wire.NewFrameProtocol(string(c.Service), fc)),
		speech.WithParams(store),
		speech.WithKeepalive(keepalive.Config{
			Interval:    c.KeepaliveInterval,
			PingTimeout: c.PingTimeout,
			DialTimeout: c.DialTimeout,
			Metrics:     m,
		}),
		speech.WithTimeouts(c.DialTimeout, c.SendTimeout, c.RecvTimeout),
		speech.WithMaxFrameBytes(c.MaxFrameBytes),
		speech.WithRetryDelay(cfg.Pipeline.RetryDelay),
		speech.WithMetrics(m),
	)
}

func newServer(addr string, reg *prometheus.Registry, m *observe.Metrics, checks ...health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler(reg))
	health.New(checks...).Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// outFormat is the PCM format requested from and sent to the platform.
func outFormat(store *params.Store) audio.Format {
	return audio.Format{SampleRate: store.Int("sample_rate", 16000), Channels: 1}
}

// writeAudio stores collected audio results, wrapped as WAV when path ends
// in .wav.
func writeAudio(path string, f audio.Format, pcm []byte) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		err = audio.WriteWAV(out, f, pcm)
	} else {
		_, err = out.Write(pcm)
	}
	return errors.Join(err, out.Close())
}

// ── Requests ──────────────────────────────────────────────────────────────────

// source submits requests to the client and reports how many it started.
type source interface {
	submit(ctx context.Context, c session, overrides map[string]string) (int, error)
}

type textSource struct{ lines []string }

func (s textSource) submit(ctx context.Context, c session, overrides map[string]string) (int, error) {
	n := 0
	for _, line := range s.lines {
		if err := sendText(ctx, c, overrides, line); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type lineSource struct{ r io.Reader }

func (s lineSource) submit(ctx context.Context, c session, overrides map[string]string) (int, error) {
	n := 0
	sc := bufio.NewScanner(s.r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := sendText(ctx, c, overrides, line); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}

func sendText(ctx context.Context, c session, overrides map[string]string, text string) error {
	id, err := c.Start(ctx, overrides)
	if err != nil {
		return err
	}
	c.PushText(id, text)
	c.End(id)
	return nil
}

type audioSource struct {
	path   string
	chunk  int
	target audio.Format
}

// load reads the file. WAV input is unwrapped and converted to the target
// format; anything else is sent as raw PCM.
func (s audioSource) load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if !audio.IsWAV(data) {
		return data, nil
	}
	f, pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if f != s.target {
		slog.Info("converting audio", "from", f, "to", s.target)
	}
	return audio.Convert(pcm, f, s.target), nil
}

func (s audioSource) submit(ctx context.Context, c session, overrides map[string]string) (int, error) {
	pcm, err := s.load()
	if err != nil {
		return 0, err
	}
	id, err := c.Start(ctx, overrides)
	if err != nil {
		return 0, err
	}
	size := s.chunk
	if size <= 0 {
		size = max(len(pcm), 1)
	}
	for chunk := range slices.Chunk(pcm, size) {
		if ctx.Err() != nil {
			c.Cancel(id)
			return 1, ctx.Err()
		}
		c.PushAudio(id, chunk)
	}
	c.End(id)
	return 1, nil
}

// drain prints results until every submitted request has delivered its
// terminal result or ctx ends. It returns the number of failed requests.
func drain(ctx context.Context, c session, submitted <-chan int, w, sink io.Writer) int {
	total, terminals, failed := -1, 0, 0
	for total < 0 || terminals < total {
		select {
		case n := <-submitted:
			total = n
			continue
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		r, err := c.Poll(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, speech.ErrReleased) {
				return failed
			}
			continue
		}

		switch r.Kind {
		case speech.ResultPartial, speech.ResultFinal:
			if r.Text != "" {
				fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.Kind, r.Text)
			}
			if len(r.Audio) > 0 {
				fmt.Fprintf(w, "%d\t%s\t%d bytes\n", r.ID, r.Kind, len(r.Audio))
				_, _ = sink.Write(r.Audio)
			}
		case speech.ResultError:
			fmt.Fprintf(w, "%d\t%s\t%d %s\n", r.ID, r.Kind, r.Code, r.Message)
		default:
			fmt.Fprintf(w, "%d\t%s\n", r.ID, r.Kind)
		}
		if r.Kind.Terminal() {
			terminals++
			if r.Kind == speech.ResultError {
				failed++
			}
		}
	}
	return failed
}
