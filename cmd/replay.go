package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/tablewatch/internal/engine"
	"github.com/andresmejia3/tablewatch/internal/pipeline"
	"github.com/andresmejia3/tablewatch/internal/publish"
	"github.com/andresmejia3/tablewatch/internal/types"
	"github.com/andresmejia3/tablewatch/internal/utils"
	"github.com/andresmejia3/tablewatch/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// ReplayOptions configures a one-off session over a recorded file.
type ReplayOptions struct {
	InputPath   string
	TableID     string
	StreamID    int64
	SampleEvery int
	Confidence  float64
	Endpoint    string
}

var replayOpts ReplayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run one detection session over a local video file",
	Long: "Processes a recorded video as if it were the live stream of a table. " +
		"The stream store is not touched; batches go to the configured endpoint.",
	Run: func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("nth-frame") {
			replayOpts.SampleEvery = Cfg.SampleEvery
		}
		if !cmd.Flags().Changed("confidence") {
			replayOpts.Confidence = Cfg.ConfidenceThreshold
		}
		if !cmd.Flags().Changed("endpoint") {
			replayOpts.Endpoint = Cfg.HTTPEndpoint
		}
		if err := validateReplayFlags(&replayOpts); err != nil {
			utils.Die("Invalid replay options", err, nil)
		}
		runReplay(cmd, replayOpts)
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.InputPath, "input", "i", "", "Path to video")
	replayCmd.Flags().StringVar(&replayOpts.TableID, "table", "", "Table id reported in published batches")
	replayCmd.Flags().Int64Var(&replayOpts.StreamID, "stream-id", 0, "Stream id reported in published batches")
	replayCmd.Flags().IntVarP(&replayOpts.SampleEvery, "nth-frame", "n", 3, "Process every Nth frame")
	replayCmd.Flags().Float64VarP(&replayOpts.Confidence, "confidence", "c", 0.9, "Detection confidence threshold")
	replayCmd.Flags().StringVar(&replayOpts.Endpoint, "endpoint", "", "Publish sink URL (default: from settings)")

	replayCmd.MarkFlagRequired("input")
	replayCmd.MarkFlagRequired("table")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, opts ReplayOptions) {
	ctx := cmd.Context()
	log := Log.With("mode", "replay", "tableId", opts.TableID)

	e, err := engine.Start(engine.Options{
		Script:     Cfg.EngineScript,
		ModelPath:  Cfg.ModelPath,
		Confidence: opts.Confidence,
	})
	if err != nil {
		utils.Die("Engine startup failed", err, nil)
	}
	defer e.Close()

	// Get total frames for progress bar
	total := video.GetTotalFrames(opts.InputPath)
	if total <= 0 {
		// Fallback to a spinner if ffprobe fails
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🃏 Replaying "+opts.TableID),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	pub := publish.New(opts.Endpoint, Cfg.PublishTimeout, log)
	p := newPipeline(e, pub)
	p.ConfidenceThreshold = opts.Confidence
	p.SampleEvery = opts.SampleEvery
	p.Log = log
	p.OnFrame = func() { bar.Add(1) }

	s := pipeline.NewSession(types.StreamAssignment{
		ID:      opts.StreamID,
		URL:     opts.InputPath,
		TableID: opts.TableID,
		Claimed: true,
	}, log)

	err = p.Run(ctx, s)
	bar.Finish()
	if err != nil {
		if errors.Is(err, engine.ErrEngineDown) {
			e.Close()
			utils.Die("Inference engine crashed", err, e.Cmd)
		}
		utils.Die("Replay failed", err, nil)
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Replay Complete. Processed %d keyframes out of %d total, %d cards reported in %d batches.\n",
		s.Stats.FramesSampled, s.Stats.FramesRead, s.Stats.Events, s.Stats.Batches)
}

func validateReplayFlags(opts *ReplayOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.TableID == "" {
		return errors.New("table id must not be empty")
	}
	if opts.SampleEvery < 1 {
		return fmt.Errorf("nth-frame must be >= 1, got %d", opts.SampleEvery)
	}
	if opts.Confidence < 0 || opts.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", opts.Confidence)
	}
	if opts.Endpoint == "" {
		return errors.New("publish endpoint must not be empty")
	}
	return nil
}
