package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/franksops/gocoerce/codec"
	"github.com/franksops/gocoerce/config"
	"github.com/franksops/gocoerce/engine"
	"github.com/franksops/gocoerce/lister"
	"github.com/franksops/gocoerce/ui"
)

type runOptions struct {
	source      string
	dest        string
	renameMode  string
	extension   string
	inputCodec  string
	outputCodec string
	recursive   bool
}

func newRunCommand(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Copy every file under a source location to a destination",
		Example: `  gcoerce run --source file:///data/logs --dest s3://archive/logs --input-codec lines --output-codec framed+zstd
  gcoerce run --source s3://in/events --dest file:///tmp/events --rename-mode always --extension .gz --output-codec raw+gzip`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			if a.cfg.TUI {
				// The view owns the terminal; logs go to the state directory.
				if err := os.MkdirAll(a.cfg.StateDir, 0755); err != nil {
					return err
				}
				logger, err := newLogger(a.cfg.LogLevel, filepath.Join(a.cfg.StateDir, "gcoerce.log"))
				if err != nil {
					return err
				}
				a.logger = logger
			}
			defer a.logger.Sync() //nolint:errcheck

			return a.run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.source, "source", "", "Source location with scheme, e.g. file:///data or s3://bucket/prefix")
	f.StringVar(&opts.dest, "dest", "", "Destination location with scheme")
	f.StringVar(&opts.renameMode, "rename-mode", engine.NoRename.String(), `How destination files are named ("none", "always", "if-necessary")`)
	f.StringVar(&opts.extension, "extension", "", "Extension appended to renamed files")
	f.StringVar(&opts.inputCodec, "input-codec", "raw", `Record codec of the source files, "format[+compression]"`)
	f.StringVar(&opts.outputCodec, "output-codec", "raw", `Record codec of the destination files, "format[+compression]"`)
	f.BoolVar(&opts.recursive, "recursive", true, "Descend into subdirectories of the source")
	config.RegisterRunFlags(f)
	return cmd
}

func (a *app) run(ctx context.Context, opts runOptions) error {
	mode, err := engine.ParseRenameMode(opts.renameMode)
	if err != nil {
		return &usageError{err: err}
	}
	in, err := codec.Parse(opts.inputCodec)
	if err != nil {
		return &usageError{err: fmt.Errorf("input codec: %w", err)}
	}
	out, err := codec.Parse(opts.outputCodec)
	if err != nil {
		return &usageError{err: fmt.Errorf("output codec: %w", err)}
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stopMetrics := a.serveMetrics(a.cfg.MetricsAddr)
	defer stopMetrics()

	var walkOpts []lister.Option
	if !opts.recursive {
		walkOpts = append(walkOpts, lister.NonRecursive())
	}

	cfg := a.cfg
	substrate := &capturingSubstrate{
		Substrate: engine.NewLocalSubstrate(
			engine.WithStore(st),
			engine.WithWorkers(cfg.Workers),
			engine.WithTaskTimeout(cfg.TaskTimeout),
			engine.WithMaxAttempts(cfg.MaxAttempts),
			engine.WithRetryBackoff(cfg.RetryBackoff),
			engine.WithCheckpoint(engine.CheckpointConfig{Interval: cfg.CheckpointInterval}),
			engine.WithSubstrateLogger(a.logger),
		),
	}
	coercer := engine.NewCoercer(substrate,
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithHeartbeatBytes(cfg.HeartbeatBytes),
		engine.WithLogger(a.logger),
	)
	req := engine.TransferRequest{
		SourceURI:         opts.source,
		DestURI:           opts.dest,
		RenameMode:        mode,
		ExtensionOnRename: opts.extension,
		Lister:            lister.NewWalker(walkOpts...),
		InputFactory:      in,
		OutputFactory:     out,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TUI {
		err = runWithTUI(ctx, coercer, &substrate.job, req)
	} else {
		err = coercer.Coerce(ctx, req)
	}

	if job := substrate.job.Load(); job != nil {
		// A killed job may still be cancelling its attempts.
		select {
		case <-job.Done():
		case <-time.After(5 * time.Second):
		}
		printSummary(job.Snapshot())
	}
	return err
}

// capturingSubstrate remembers the last submitted job so its progress can
// be shown.
type capturingSubstrate struct {
	engine.Substrate
	job atomic.Pointer[engine.LocalJob]
}

func (c *capturingSubstrate) Submit(ctx context.Context, spec engine.JobSpec) (engine.RunningJob, error) {
	job, err := c.Substrate.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	if local, ok := job.(*engine.LocalJob); ok {
		c.job.Store(local)
	}
	return job, nil
}

func runWithTUI(ctx context.Context, coercer *engine.Coercer, current *atomic.Pointer[engine.LocalJob], req engine.TransferRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scale := func(delta int) {
		if job := current.Load(); job != nil {
			job.SetWorkers(job.Snapshot().Workers + delta)
		}
	}

	p := tea.NewProgram(ui.NewTUIModel(&ui.UIState{Name: "waiting for job"}, scale), tea.WithAltScreen())

	var coerceErr error
	coerceDone := make(chan struct{})
	go func() {
		coerceErr = coercer.Coerce(ctx, req)
		close(coerceDone)
		p.Quit()
	}()

	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-coerceDone:
				return
			case <-ticker.C:
				if job := current.Load(); job != nil {
					p.Send(ui.TUIUpdateMsg{State: ui.FromSnapshot(job.Snapshot(), time.Now())})
				}
			}
		}
	}()

	_, runErr := p.Run()
	// Quitting the view before the job is done interrupts it.
	cancel()
	<-coerceDone

	if coerceErr == nil && runErr != nil {
		return runErr
	}
	return coerceErr
}

func printSummary(snap engine.JobSnapshot) {
	elapsed := time.Since(snap.Started).Round(time.Millisecond)
	fmt.Printf("job %s %s: %d/%d files, %d failed, %d bytes in %s\n",
		snap.JobID, snap.Status, snap.CompletedTasks, snap.TotalTasks, snap.FailedTasks, snap.CompletedBytes, elapsed)
}
