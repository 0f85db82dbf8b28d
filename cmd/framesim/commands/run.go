package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/config"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/pipeline"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/sim"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/telemetry"
)

var (
	runDuration      time.Duration
	runPrintEvery    int
	runStatsInterval time.Duration
	runNoHTTP        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start simulated devices and print synchronized frame sets",
	Long: `Start every configured device, synchronize their streams and poll
the pipeline for frame sets until interrupted (or --duration elapses).

Example:
  framesim run --duration 10s --print-every 30
  framesim run -c rig.yaml --log-format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runNoHTTP {
			cfg.Telemetry.HTTP.Enabled = false
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if runDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runDuration)
			defer cancel()
		}
		return run(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (0 = until interrupted)")
	runCmd.Flags().IntVar(&runPrintEvery, "print-every", 30, "Print one of every N frame sets (0 = none)")
	runCmd.Flags().DurationVar(&runStatsInterval, "stats-interval", 10*time.Second, "Print pipeline statistics this often (0 = never)")
	runCmd.Flags().BoolVar(&runNoHTTP, "no-http", false, "Disable the health HTTP server")
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// newRig builds the pipeline and its simulated devices from cfg.
func newRig(fctx *frame.Context, cfg *config.Config, monitor *telemetry.StreamMonitor) (*pipeline.Pipeline, error) {
	p, err := pipeline.New(fctx, cfg.PipelineConfig(), pipeline.WithFrameObserver(monitor.Observe))
	if err != nil {
		return nil, err
	}

	for i, d := range cfg.Devices {
		dev := sim.NewStereo(fctx, sim.StereoConfig{
			Name:      d.Name,
			FPS:       d.FPS,
			Width:     d.Width,
			Height:    d.Height,
			Disparity: d.Disparity,
			IMURateHz: d.IMURateHz,
			JitterMS:  d.JitterMS,
			Seed:      int64(i + 1),
		})
		if err := p.AddDevice(dev); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	fctx := frame.NewContext()
	monitor := telemetry.NewStreamMonitor(cfg.Telemetry.Window)

	p, err := newRig(fctx, cfg, monitor)
	if err != nil {
		return err
	}
	collect := func() telemetry.Snapshot { return telemetry.Collect(p, monitor) }

	var publisher telemetry.Publisher
	if cfg.Telemetry.MQTT.Enabled {
		mp := telemetry.NewMQTTPublisher(cfg.MQTTConfig())
		if err := mp.Connect(ctx); err != nil {
			return err
		}
		publisher = mp
	}
	emitter := telemetry.NewEmitter(collect, publisher, cfg.TelemetryInterval())

	if err := p.Start(ctx); err != nil {
		emitter.Close()
		return err
	}
	emitter.Start()

	slog.Info("framesim: running",
		"session", fctx.ID.String(),
		"devices", len(cfg.Devices),
		"strategy", cfg.Pipeline.Strategy,
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Telemetry.HTTP.Enabled {
		server := telemetry.NewServer(cfg.Telemetry.HTTP.Address, collect)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}
	if runStatsInterval > 0 {
		g.Go(func() error {
			return reportStats(gctx, runStatsInterval, collect, out)
		})
	}
	g.Go(func() error {
		return consume(gctx, p, out)
	})
	runErr := g.Wait()

	if err := shutdown(cfg.ShutdownTimeout(), emitter, p); err != nil {
		runErr = errors.Join(runErr, err)
	}

	st := collect()
	slog.Info("framesim: stopped",
		"sets", st.Sync.SetsCompleted,
		"matched", st.Sync.Matched,
		"dropped_sets", st.Sync.SetsDropped,
	)
	return runErr
}

// consume polls frame sets until ctx is done.
func consume(ctx context.Context, p *pipeline.Pipeline, out io.Writer) error {
	var sets int
	for ctx.Err() == nil {
		h, err := p.WaitForFrames(time.Second)
		if errors.Is(err, pipeline.ErrTimeout) {
			slog.Warn("framesim: no frame set within 1s")
			continue
		}
		if err != nil {
			return err
		}

		sets++
		if runPrintEvery > 0 && sets%runPrintEvery == 0 {
			fmt.Fprintf(out, "set %d: %s\n", sets, describeSet(h.Frame()))
		}
		h.Release()
	}
	return nil
}

func shutdown(timeout time.Duration, emitter *telemetry.Emitter, p *pipeline.Pipeline) error {
	done := make(chan error, 1)
	go func() {
		done <- errors.Join(emitter.Close(), p.Close())
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("framesim: shutdown did not finish within %v", timeout)
	}
}

// describeSet renders a frame set as "name@ts+name@ts".
func describeSet(f *frame.Frame) string {
	if f == nil {
		return "<nil>"
	}
	frames := []*frame.Frame{f}
	if f.IsComposite() {
		frames = f.Children()
	}

	parts := make([]string, 0, len(frames))
	for _, c := range frames {
		parts = append(parts, fmt.Sprintf("%s@%.1f", c.Stream, c.Timestamp()))
	}
	return strings.Join(parts, "+")
}
