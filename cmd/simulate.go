package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ptoc-relay/internal/acquisition"
	"ptoc-relay/internal/config"
	"ptoc-relay/internal/goose"
	"ptoc-relay/internal/protection/application"
	protection "ptoc-relay/internal/protection/domain"
	"ptoc-relay/internal/protection/infrastructure/memory"
)

var (
	tripColor   = color.New(color.FgRed, color.Bold)
	clearColor  = color.New(color.FgGreen)
	headerColor = color.New(color.FgBlue, color.Bold)
)

type simulateOptions struct {
	load         float64
	faultCurrent float64
	pre          time.Duration
	fault        time.Duration
	post         time.Duration
	waveform     string
	outputJSON   bool
	noColor      bool
}

// SimulationResult summarises an offline run.
type SimulationResult struct {
	Events []protection.TripEvent `json:"events"`
	Status application.Status     `json:"status"`
	StNum  uint32                 `json:"st_num"`
	SqNum  uint32                 `json:"sq_num"`
}

func newSimulateCmd(flags *globalFlags) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a load-fault-load current profile through the relay offline",
		Long: `Generates a sine (or DC) current profile at the configured sample rate, runs it
through the configured protection settings as fast as possible and prints the
resulting trip events and GOOSE counters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if opts.noColor {
				color.NoColor = true
			}

			result, err := runSimulation(cmd.Context(), cfg, opts, logger)
			if err != nil {
				return err
			}
			if opts.outputJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(result)
			}
			renderSimulation(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().Float64Var(&opts.load, "load", 50, "Load current before and after the fault (A primary RMS)")
	cmd.Flags().Float64Var(&opts.faultCurrent, "fault-current", 150, "Fault current (A primary RMS)")
	cmd.Flags().DurationVar(&opts.pre, "pre", 100*time.Millisecond, "Load duration before the fault")
	cmd.Flags().DurationVar(&opts.fault, "fault", 200*time.Millisecond, "Fault duration")
	cmd.Flags().DurationVar(&opts.post, "post", 100*time.Millisecond, "Load duration after the fault")
	cmd.Flags().StringVar(&opts.waveform, "waveform", string(acquisition.WaveformSine), "Waveform (sine, dc)")
	cmd.Flags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	return cmd
}

func runSimulation(ctx context.Context, cfg config.SystemConfig, opts simulateOptions, logger *zap.SugaredLogger) (SimulationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	settings, err := cfg.Build()
	if err != nil {
		return SimulationResult{}, err
	}
	simCfg, err := cfg.SimulatorSettings(time.Now().UTC())
	if err != nil {
		return SimulationResult{}, err
	}
	simCfg.Waveform = acquisition.Waveform(opts.waveform)
	simCfg.Realtime = false
	simCfg.Loop = false
	simCfg.Segments = nil
	for _, seg := range []acquisition.Segment{
		{Current: opts.load, Duration: opts.pre},
		{Current: opts.faultCurrent, Duration: opts.fault},
		{Current: opts.load, Duration: opts.post},
	} {
		if seg.Duration > 0 {
			simCfg.Segments = append(simCfg.Segments, seg)
		}
	}
	sim, err := acquisition.NewSimulator(simCfg)
	if err != nil {
		return SimulationResult{}, err
	}

	fn, err := protection.NewPTOC(settings)
	if err != nil {
		return SimulationResult{}, err
	}
	publisher, err := goose.NewPublisher(cfg.Identity(), goose.NewLogTransport(logger), goose.WithLogger(logger))
	if err != nil {
		return SimulationResult{}, err
	}
	repo := memory.NewTripEventRepository(0)
	service, err := application.NewService(fn, sim,
		application.WithSinks(publisher),
		application.WithEventRepository(repo),
		application.WithLogger(logger),
		application.WithBuffers(0, 4096),
		application.WithHeartbeat(0),
	)
	if err != nil {
		return SimulationResult{}, err
	}
	if err := service.Run(ctx); err != nil {
		return SimulationResult{}, err
	}

	events, err := service.Events(ctx, protection.EventQuery{Limit: protection.DefaultEventLimit})
	if err != nil {
		return SimulationResult{}, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	stNum, sqNum := publisher.Counters()
	return SimulationResult{Events: events, Status: service.Status(), StNum: stNum, SqNum: sqNum}, nil
}

func renderSimulation(w io.Writer, result SimulationResult) {
	headerColor.Fprintf(w, "%-8s %-10s %-8s %10s %10s\n", "T+ms", "EVENT", "PHASE", "RMS (A)", "ELAPSED")
	var origin time.Time
	if len(result.Events) > 0 {
		origin = result.Events[0].At
	}
	for _, event := range result.Events {
		line := fmt.Sprintf("%-8d %-10s %-8s %10.1f %10s\n",
			event.At.Sub(origin).Milliseconds(), event.Type, event.Phase, event.RMS, event.Elapsed)
		switch event.Type {
		case protection.EventTrip:
			tripColor.Fprint(w, line)
		case protection.EventClear:
			clearColor.Fprint(w, line)
		default:
			fmt.Fprint(w, line)
		}
	}
	fmt.Fprintf(w, "\nfinal phase: %s  cycles: %d  samples: %d\n", result.Status.Phase, result.Status.Cycles, result.Status.Samples)
	fmt.Fprintf(w, "goose stNum: %d  sqNum: %d\n", result.StNum, result.SqNum)
}
