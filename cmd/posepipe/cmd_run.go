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

	"github.com/spf13/cobra"
	"github.com/swdee/go-posepipe"
	"github.com/swdee/go-posepipe/archive"
	"github.com/swdee/go-posepipe/config"
	"github.com/swdee/go-posepipe/metrics"
	"github.com/swdee/go-posepipe/pose"
	"github.com/swdee/go-posepipe/present"
	"github.com/swdee/go-posepipe/render"
	"github.com/swdee/go-posepipe/rknn"
	"github.com/swdee/go-posepipe/source"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live pose estimation pipeline",
	Long:  "Read frames, run pose inference with several requests in flight, present results in order and archive them",
	RunE:  runPipeline,
}

// run flags, applied over the config file only when set
var (
	runInput       string
	runLoop        bool
	runOutput      string
	runOutputLimit int
	runNoShow      bool
	runRaw         bool
	runRecord      bool
	runThreshold   float32
	runSlots       int
	runBackend     string
	runModel       string
	runStream      string
	runMetrics     string
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runInput, "input", "i", "", "Video file, image, directory of images or camera index")
	f.BoolVar(&runLoop, "loop", false, "Restart the input when it ends")
	f.StringVarP(&runOutput, "output", "o", "", "Write annotated frames to this video file")
	f.IntVar(&runOutputLimit, "output_limit", 1000, "Frames to write to --output, 0 is unlimited")
	f.BoolVar(&runNoShow, "no_show", false, "Do not open the display window")
	f.BoolVar(&runRaw, "raw_output_message", false, "Log the keypoints of every detected person")
	f.BoolVar(&runRecord, "record", false, "Archive pose results in time bucketed units")
	f.Float32Var(&runThreshold, "prob_threshold", 0.1, "Keypoint score needed to draw a limb")
	f.IntVar(&runSlots, "slots", 3, "Inference requests kept in flight")
	f.StringVar(&runBackend, "backend", "rknn", "Inference backend (rknn or null)")
	f.StringVarP(&runModel, "model", "m", "", "RKNN model file")
	f.StringVar(&runStream, "stream", "", "Serve an MJPEG stream of annotated frames on this address")
	f.StringVar(&runMetrics, "metrics", "", "Serve /metrics and /healthz on this address")
}

// applyRunFlags copies explicitly set flags over the loaded config
func applyRunFlags(cmd *cobra.Command) func(*config.Config) {
	return func(c *config.Config) {
		f := cmd.Flags()

		if f.Changed("input") {
			c.Input.URI = runInput
		}
		if f.Changed("loop") {
			c.Input.Loop = runLoop
		}
		if f.Changed("output") {
			c.Present.Output = runOutput
		}
		if f.Changed("output_limit") {
			c.Present.OutputLimit = runOutputLimit
		}
		if f.Changed("no_show") {
			c.Present.Show = !runNoShow
		}
		if f.Changed("raw_output_message") {
			c.Present.Raw = runRaw
		}
		if f.Changed("record") {
			c.Archive.Enabled = runRecord
		}
		if f.Changed("prob_threshold") {
			c.Present.Threshold = runThreshold
		}
		if f.Changed("slots") {
			c.Pipeline.Slots = runSlots
		}
		if f.Changed("backend") {
			c.Backend.Kind = config.BackendKind(runBackend)
		}
		if f.Changed("model") {
			c.Backend.RKNN.Model = runModel
		}
		if f.Changed("stream") {
			c.Present.StreamAddr = runStream
		}
		if f.Changed("metrics") {
			c.Metrics.Addr = runMetrics
		}
	}
}

// poseBackend is an inference backend that can be shut down
type poseBackend interface {
	posepipe.Backend[*source.Frame, pose.Poses]
	io.Closer
}

// newBackend creates the configured inference backend
func newBackend(c *config.Config) (poseBackend, error) {

	switch c.Backend.Kind {
	case config.BackendNull:
		// passes frames through with no detections, for exercising the
		// pipeline without an NPU
		return posepipe.NewFuncBackend[*source.Frame, pose.Poses](
			func(ctx context.Context, slot posepipe.Slot, f *source.Frame) (pose.Poses, error) {
				return pose.Poses{}, nil
			}), nil

	default:
		return rknn.New(rknn.Config{
			Model:        c.Backend.RKNN.Model,
			Slots:        c.Pipeline.Slots,
			Platform:     c.Backend.RKNN.Platform,
			CPUAffinity:  c.Backend.RKNN.CPUAffinity,
			BoxThreshold: c.Backend.RKNN.BoxThreshold,
			NMSThreshold: c.Backend.RKNN.NMSThreshold,
		}, logger)
	}
}

// newArchiveStore creates the configured archive store
func newArchiveStore(ctx context.Context, c *config.Config) (archive.Store, error) {

	switch c.Archive.Store {
	case config.StoreS3:
		return archive.NewS3Store(ctx, archive.S3Config{
			Bucket:          c.Archive.S3.Bucket,
			Prefix:          c.Archive.S3.Prefix,
			Region:          c.Archive.S3.Region,
			Endpoint:        c.Archive.S3.Endpoint,
			AccessKeyID:     c.Archive.S3.AccessKeyID,
			SecretAccessKey: c.Archive.S3.SecretAccessKey,
			UsePathStyle:    c.Archive.S3.PathStyle,
		})

	default:
		return archive.NewFSStore(c.Archive.Dir, logger)
	}
}

// newArchiver creates the Rotator results are archived into
func newArchiver(ctx context.Context, c *config.Config) (*archive.Rotator[pose.Poses], error) {

	store, err := newArchiveStore(ctx, c)

	if err != nil {
		return nil, fmt.Errorf("error creating archive store: %w", err)
	}

	policy, err := archive.ParseFailurePolicy(c.Archive.FailurePolicy)

	if err != nil {
		return nil, err
	}

	return archive.NewRotator[pose.Poses](store, archive.Options{
		Window:      c.Archive.Window,
		Compress:    c.Archive.Compress,
		Policy:      policy,
		MaxRetained: c.Archive.MaxRetained,
	}, logger)
}

// newPresenter creates the display presenter and its sinks
func newPresenter(c *config.Config, src source.Source) (*present.Presenter, *present.Stream) {

	style := render.DefaultPoseStyle()
	style.Threshold = c.Present.Threshold

	p := present.New(style, logger)
	p.SetRaw(c.Present.Raw)

	if c.Present.Show {
		p.AddSink(present.NewWindow(present.WindowTitle))
	}

	if c.Present.Output != "" {
		fps := c.Present.OutputFPS

		// match the source rate when reading a video
		if vs, ok := src.(*source.VideoSource); ok && vs.FPS() > 0 {
			fps = vs.FPS()
		}

		p.AddSink(present.NewVideoFile(c.Present.Output, fps, c.Present.OutputLimit, logger))
	}

	var stream *present.Stream

	if c.Present.StreamAddr != "" {
		stream = present.NewStream(logger)
		p.AddSink(stream)
	}

	return p, stream
}

func runPipeline(cmd *cobra.Command, args []string) error {

	if err := loadConfig(applyRunFlags(cmd)); err != nil {
		return err
	}

	if cfg.Input.URI == "" {
		return fmt.Errorf("no input given, use --input or input.uri")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("input", cfg.Input.URI).Int("slots", cfg.Pipeline.Slots).
		Str("backend", string(cfg.Backend.Kind)).Msg("posepipe starting")

	backend, err := newBackend(cfg)

	if err != nil {
		return fmt.Errorf("error creating backend: %w", err)
	}

	defer backend.Close()

	src, err := source.Open(cfg.Input.URI, cfg.Input.Loop)

	if err != nil {
		return err
	}

	defer src.Close()

	sched, err := posepipe.NewScheduler[*source.Frame, pose.Poses](backend, cfg.Pipeline.Slots)

	if err != nil {
		return err
	}

	m := metrics.New(sched.Stats)

	presenter, stream := newPresenter(cfg, src)

	loop := posepipe.NewLoop[*source.Frame, pose.Poses](sched, src,
		posepipe.Chain[*source.Frame, pose.Poses](
			metrics.NewDeliveryObserver[*source.Frame, pose.Poses](m),
			presenter,
		), logger)

	loop.SetPollInterval(cfg.Pipeline.PollInterval)
	loop.SetDrainTimeout(cfg.Pipeline.DrainTimeout)
	loop.SetRelease(func(f *source.Frame) { f.Close() })

	if cfg.Archive.Enabled {
		rotator, err := newArchiver(ctx, cfg)

		if err != nil {
			return err
		}

		logger.Info().Str("run_id", rotator.RunID()).Dur("window", rotator.Window()).
			Str("store", string(cfg.Archive.Store)).Msg("Archiving pose results")

		loop.SetArchive(metrics.WrapArchiver[pose.Poses](rotator, m))
	}

	servers := newServers(cfg, m, stream, sched.Stats)

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")

			err := srv.ListenAndServe()

			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}

			return nil
		})
	}

	g.Go(func() error {
		runErr := loop.Run(gctx)

		// closing the presenter ends any stream clients before shutdown
		if err := presenter.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing presenter")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Str("addr", srv.Addr).Msg("graceful shutdown failed")
			}
		}

		return runErr
	})

	err = g.Wait()

	fmt.Println(m.Summary())

	if err != nil {
		logger.Error().Err(err).Msg("Pipeline stopped with error")
		return err
	}

	logger.Info().Msg("posepipe stopped")
	return nil
}
