// Command ecprelay relays a streaming device's audio to this host and sends
// simple remote-control commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/ecprelay/av"
	"github.com/opd-ai/ecprelay/av/audio"
	"github.com/opd-ai/ecprelay/config"
	"github.com/opd-ai/ecprelay/ecp"
	"github.com/opd-ai/ecprelay/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to YAML configuration `file`",
		EnvVars: []string{"ECPRELAY_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"d"},
		Usage:   "device location, e.g. http://192.168.1.20:8060/",
		EnvVars: []string{"ECPRELAY_DEVICE"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "log level: trace, debug, info, warn, error",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Usage: "log as JSON",
	},
}

func main() {
	app := &cli.App{
		Name:   "ecprelay",
		Usage:  "private listening relay for network streaming devices",
		Flags:  baseFlags,
		Before: loadConfig,
		Commands: []*cli.Command{
			{
				Name:   "relay",
				Usage:  "stream the device's audio to this host until interrupted",
				Action: runRelay,
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "control-port",
						Usage: "device RTCP port; looked up from the device when unset",
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "write decoded 16-bit PCM to `file`, or - for stdout",
					},
					&cli.StringFlag{
						Name:  "metrics-listen",
						Usage: "serve Prometheus metrics on `address`, e.g. :9090",
					},
				},
			},
			{
				Name:      "key",
				Usage:     "send a key press",
				ArgsUsage: "KEY",
				Action:    pressKey,
			},
			{
				Name:      "launch",
				Usage:     "launch a channel",
				ArgsUsage: "CHANNEL_ID",
				Action:    launchApp,
			},
			{
				Name:   "power",
				Usage:  "toggle device power",
				Action: powerToggle,
			},
			{
				Name:   "device-info",
				Usage:  "print the device's audio capabilities",
				Action: deviceInfo,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("ecprelay failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file and overlays global flags.
func loadConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("device") {
		cfg.Device.Location = c.String("device")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-json") {
		cfg.Logging.JSON = c.Bool("log-json")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func getConfig(c *cli.Context) (*config.Config, error) {
	cfg, ok := c.App.Metadata[configKey].(*config.Config)
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	if cfg.Device.Location == "" {
		return nil, errors.New("no device location: set --device or device.location")
	}
	return cfg, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func runRelay(c *cli.Context) error {
	cfg, err := getConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("control-port") {
		cfg.Device.ControlPort = uint16(c.Uint("control-port"))
	}
	if c.IsSet("metrics-listen") {
		cfg.Metrics.Listen = c.String("metrics-listen")
	}

	ctx, cancel := signalContext(c)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics, err := av.NewMetrics(reg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer srv.Close()
	}

	out, closeOut, err := openOutput(c.String("output"))
	if err != nil {
		return err
	}
	defer closeOut()

	sink := audio.NewClockSink(cfg.Format(), cfg.Audio.OutputLatency, out)
	session := cfg.Session()
	o := relay.New(cfg.Relay(), relay.Deps{
		NewController: func(loc ecp.Location) relay.Controller {
			return ecp.NewSession(loc, session)
		},
		NewSink: func(audio.Format) (audio.Sink, error) { return sink, nil },
		Metrics: metrics,
	})
	o.OnStatusChange(func(s relay.Status) {
		logrus.WithFields(logrus.Fields{
			"function":   "runRelay",
			"session_id": s.SessionID,
			"status":     s.String(),
		}).Info("Relay status")
	})

	h, err := o.StartRelay(ctx, cfg.Device.Location, cfg.ControlPort())
	if err != nil {
		return err
	}
	err = h.Wait()

	snap := metrics.Snapshot()
	logrus.WithFields(logrus.Fields{
		"function":  "runRelay",
		"received":  snap.PacketsReceived,
		"late":      snap.PacketsLate,
		"concealed": snap.FramesConcealed,
		"scheduled": snap.FramesScheduled,
		"quality":   snap.Quality(av.DefaultQualityThresholds()).String(),
	}).Info("Relay finished")
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"addr":     addr,
	}).Info("Serving metrics")
	return srv
}

func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// withSession connects a control session, runs fn and closes the session.
func withSession(c *cli.Context, fn func(ctx context.Context, s *ecp.Session) error) error {
	cfg, err := getConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	s, err := ecp.Dial(ctx, cfg.Device.Location, cfg.Session())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func pressKey(c *cli.Context) error {
	key := c.Args().First()
	if key == "" {
		return cli.Exit("usage: ecprelay key KEY", 2)
	}
	return withSession(c, func(ctx context.Context, s *ecp.Session) error {
		return s.PressKey(ctx, key)
	})
}

func launchApp(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("usage: ecprelay launch CHANNEL_ID", 2)
	}
	return withSession(c, func(ctx context.Context, s *ecp.Session) error {
		return s.LaunchApp(ctx, id)
	})
}

func powerToggle(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *ecp.Session) error {
		return s.PowerToggle(ctx)
	})
}

func deviceInfo(c *cli.Context) error {
	cfg, err := getConfig(c)
	if err != nil {
		return err
	}
	loc, err := ecp.ParseLocation(cfg.Device.Location)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	lookup := &ecp.HTTPDeviceInfo{Client: &http.Client{Timeout: cfg.ECP.ProbeTimeout}}
	info, err := lookup.Lookup(ctx, loc)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "location:          %s\n", loc)
	fmt.Fprintf(w, "datagram relay:    %t\n", info.SupportsDatagram)
	if info.RTCPPort != 0 {
		fmt.Fprintf(w, "rtcp port:         %d\n", info.RTCPPort)
	} else {
		fmt.Fprintf(w, "rtcp port:         not advertised (default %d)\n", cfg.Network.DefaultControlPort)
	}
	fmt.Fprintf(w, "destinations:      %v\n", info.Destinations)
	fmt.Fprintf(w, "muted:             %t\n", info.Muted)
	fmt.Fprintf(w, "volume:            %d\n", info.Volume)
	return nil
}
