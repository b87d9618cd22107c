package cmd

import (
	"errors"

	"github.com/andresmejia3/tablewatch/internal/engine"
	"github.com/andresmejia3/tablewatch/internal/pipeline"
	"github.com/andresmejia3/tablewatch/internal/publish"
	"github.com/andresmejia3/tablewatch/internal/utils"
	"github.com/andresmejia3/tablewatch/internal/video"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runOpts struct {
	Endpoint   string
	RetryDelay int
	Confidence float64
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim streams from the shared store and report confirmed cards",
	Long: "Runs a worker that repeatedly claims an unclaimed table, processes its stream " +
		"until it ends, then releases it. SIGINT/SIGTERM release the current table before exit.",
	Run: func(cmd *cobra.Command, args []string) {
		applyRunFlags(cmd)
		runWorker(cmd)
	},
}

func init() {
	runCmd.Flags().StringVar(&runOpts.Endpoint, "endpoint", "", "Publish sink URL (overrides http_endpoint)")
	runCmd.Flags().IntVar(&runOpts.RetryDelay, "retry-delay", 0, "Seconds between claim attempts (overrides retry_delay)")
	runCmd.Flags().Float64Var(&runOpts.Confidence, "confidence", 0, "Detection confidence threshold (overrides confidence_threshold)")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags lets explicitly set flags win over the loaded configuration.
func applyRunFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("endpoint") {
		Cfg.HTTPEndpoint = runOpts.Endpoint
	}
	if cmd.Flags().Changed("retry-delay") {
		Cfg.RetryDelay = runOpts.RetryDelay
	}
	if cmd.Flags().Changed("confidence") {
		Cfg.ConfidenceThreshold = runOpts.Confidence
	}
	if err := Cfg.Validate(); err != nil {
		utils.Die("Invalid configuration", err, nil)
	}
}

// newPipeline wires the sidecar engine and publisher into a pipeline.
func newPipeline(e *engine.Engine, pub *publish.Publisher) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Source:              video.FFmpegSource{},
		Detector:            e,
		Tracker:             e,
		Publisher:           pub,
		ConfidenceThreshold: Cfg.ConfidenceThreshold,
		IoUThreshold:        Cfg.IoUThreshold,
		SampleEvery:         Cfg.SampleEvery,
		Fatal: func(err error) bool {
			return errors.Is(err, engine.ErrEngineDown)
		},
		Log: Log,
	}
}

func runWorker(cmd *cobra.Command) {
	ctx := cmd.Context()
	workerID := uuid.NewString()
	log := Log.With("worker", workerID)

	if err := waitForStore(ctx, Cfg.RetryInterval(), log); err != nil {
		if ctx.Err() != nil {
			log.Info("Shutdown before the stream store came up")
			return
		}
		utils.Die("Stream store unavailable", err, nil)
	}

	e, err := engine.Start(engine.Options{
		Script:     Cfg.EngineScript,
		ModelPath:  Cfg.ModelPath,
		Confidence: Cfg.ConfidenceThreshold,
	})
	if err != nil {
		utils.Die("Engine startup failed", err, nil)
	}
	defer e.Close()

	pub := publish.New(Cfg.HTTPEndpoint, Cfg.PublishTimeout, log)
	p := newPipeline(e, pub)
	p.Log = log

	w := &pipeline.Worker{
		ID:             workerID,
		Store:          DB,
		Pipeline:       p,
		RetryDelay:     Cfg.RetryInterval(),
		ReleaseTimeout: Cfg.ReleaseTimeout,
		Log:            Log,
	}

	log.Info("Waiting for streams...", "store", storeKind(Cfg.DB), "endpoint", Cfg.HTTPEndpoint)
	if err := w.Run(ctx); err != nil {
		// DRAIN: Wait for the sidecar to exit and capture final stderr logs
		e.Close()
		DB.Close(ctx)
		utils.Die("Inference engine crashed", err, e.Cmd)
	}
	log.Info("Shutdown complete", "batches_published", pub.Published())
}
