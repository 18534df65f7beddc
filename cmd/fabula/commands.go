package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/audit"
	"github.com/strandtale/fabula/internal/config"
	"github.com/strandtale/fabula/internal/export"
	"github.com/strandtale/fabula/internal/logging"
	"github.com/strandtale/fabula/internal/orchestrator"
	"github.com/strandtale/fabula/internal/runctl"
	"github.com/strandtale/fabula/internal/server"
	"github.com/strandtale/fabula/internal/state"
)

func openStore(projectDir string, log *zap.Logger) (*artifact.Store, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, err
	}
	store := artifact.Open(abs, log)
	if !store.Exists() {
		return nil, runctl.Userf("no project at %s (run `fabula init %s` first)", abs, projectDir)
	}
	return store, nil
}

func newOrchestrator(store *artifact.Store, log *zap.Logger, flag *runctl.ShutdownFlag) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Options{
		Store:    store,
		Logger:   log,
		Shutdown: flag,
	})
}

// watchSignals trips the shutdown flag on the first interrupt and trips it
// again on the second, which hard-cancels every bound context.
func watchSignals(log *zap.Logger, flag *runctl.ShutdownFlag) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if flag.Tripped() {
				log.Warn("second interrupt, cancelling now")
			} else {
				log.Info("interrupt received, stopping at the next checkpoint (interrupt again to cancel now)")
			}
			flag.Trip()
		}
	}()
	return func() { signal.Stop(sigCh) }
}

func newInitCmd() *cobra.Command {
	var chapters int
	var author string
	cmd := &cobra.Command{
		Use:   "init <project-dir>",
		Short: "create a new project directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(abs)
			if err != nil {
				return err
			}
			name := cfg.ProjectName
			if name == "" {
				name = filepath.Base(abs)
			}
			if author == "" {
				author = cfg.Author
			}
			if chapters == 0 {
				chapters = cfg.NumChapters
			}
			store := artifact.Open(abs, zap.NewNop())
			if err := store.InitProject(name, author, chapters); err != nil {
				return err
			}
			fmt.Printf("initialized project %q at %s (%d chapters)\n", name, abs, chapters)
			return nil
		},
	}
	cmd.Flags().IntVar(&chapters, "chapters", 0, "number of chapters")
	cmd.Flags().StringVar(&author, "author", "", "author name")
	return cmd
}

func newRunCmd() *cobra.Command {
	var chapters int
	var prompt, stopAt string
	var verbose, overwrite bool
	cmd := &cobra.Command{
		Use:   "run <project-dir>",
		Short: "generate chapters from the start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(args[0], verbose, false, func(cfg config.Config) orchestrator.RunConfig {
				rc := runConfigFrom(cfg)
				rc.Prompt = prompt
				rc.StopAt = stopAt
				rc.AllowOverwrite = overwrite
				if chapters > 0 {
					rc.NumChapters = chapters
				}
				return rc
			})
		},
	}
	cmd.Flags().IntVar(&chapters, "chapters", 0, "number of chapters")
	cmd.Flags().StringVar(&prompt, "prompt", "", "story premise (required on first run)")
	cmd.Flags().StringVar(&stopAt, "stop-at", "", "stop after this step (world, characters, theme_conflict, outline)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "regenerate background assets even if present")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "resume <project-dir>",
		Short: "continue from the latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(args[0], verbose, true, runConfigFrom)
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	return cmd
}

func backoffFrom(rc config.RetryConfig) runctl.BackoffConfig {
	return runctl.BackoffConfig{
		InitialDelay:  time.Duration(rc.InitialDelayMS) * time.Millisecond,
		BackoffFactor: rc.BackoffFactor,
		MaxDelay:      time.Duration(rc.MaxDelayMS) * time.Millisecond,
		MaxAttempts:   rc.MaxAttempts,
		Jitter:        rc.Jitter,
	}
}

func runConfigFrom(cfg config.Config) orchestrator.RunConfig {
	return orchestrator.RunConfig{
		NumChapters:       cfg.NumChapters,
		MaxRevisionRounds: cfg.MaxRevisionRounds,
		QABlockerMax:      cfg.QABlockerMax,
		QAMajorMax:        cfg.QAMajorMax,
	}
}

func runWorkflow(projectDir string, verbose, resume bool, build func(config.Config) orchestrator.RunConfig) error {
	log, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := openStore(projectDir, log)
	if err != nil {
		return err
	}
	cfg, err := config.Load(store.Root())
	if err != nil {
		return err
	}

	flag := runctl.NewShutdownFlag()
	stop := watchSignals(log, flag)
	defer stop()

	registry := audit.NewRegistry(log)
	registry.SetWorkers(cfg.ParallelWorkers)
	o, err := orchestrator.New(orchestrator.Options{
		Store:    store,
		Registry: registry,
		Logger:   log,
		Shutdown: flag,
		Backoff:  backoffFrom(cfg.Retry),
	})
	if err != nil {
		return err
	}
	ctx, cancel := flag.Bind(context.Background())
	defer cancel()

	st, err := invoke(ctx, o, build(cfg), resume)
	if err != nil {
		if runctl.IsCancellation(err) {
			fmt.Fprintln(os.Stderr, "stopped at checkpoint; `fabula resume` to continue")
			return nil
		}
		return err
	}
	if st != nil && st.NeedsHumanReview {
		return errHumanReview
	}
	fmt.Println("done")
	return nil
}

func invoke(ctx context.Context, o *orchestrator.Orchestrator, rc orchestrator.RunConfig, resume bool) (*state.State, error) {
	if resume {
		return o.Resume(ctx, rc)
	}
	return o.Run(ctx, rc)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-dir>",
		Short: "print step completion and the chapter table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0], zap.NewNop())
			if err != nil {
				return err
			}
			o, err := newOrchestrator(store, zap.NewNop(), nil)
			if err != nil {
				return err
			}
			s, err := o.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(s)
			return nil
		},
	}
}

func printStatus(s *orchestrator.Status) {
	fmt.Printf("project: %s", s.Project)
	if s.Author != "" {
		fmt.Printf(" (by %s)", s.Author)
	}
	fmt.Printf(", %d chapters planned\n\nsteps:\n", s.NumChapters)
	for _, step := range []string{"world", "characters", "theme_conflict", "outline"} {
		mark := " "
		if s.Steps[step] {
			mark = "x"
		}
		fmt.Printf("  [%s] %s\n", mark, step)
	}
	fmt.Println("\nchapters:")
	if len(s.Chapters) == 0 {
		fmt.Println("  (none stored)")
	}
	for _, c := range s.Chapters {
		fmt.Printf("  %3d  %-30s  %d scenes, %d words", c.ID, c.Title, c.SceneCount, c.WordCount)
		if c.Blockers+c.Majors+c.Minors > 0 {
			fmt.Printf("  (issues: %d blocker, %d major, %d minor)", c.Blockers, c.Majors, c.Minors)
		}
		fmt.Println()
	}
	if s.Thread.Exists {
		fmt.Printf("\ncheckpoint: step %d, chapter %d", s.Thread.Step, s.Thread.CurrentChapter)
		switch {
		case s.Thread.Completed:
			fmt.Print(" (completed)")
		case s.Thread.NeedsHumanReview:
			fmt.Print(" (needs human review)")
		case s.Thread.NextNode != "":
			fmt.Printf(" (next: %s)", s.Thread.NextNode)
		}
		fmt.Println()
	}
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <project-dir>",
		Short: "dump the latest checkpoint state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0], zap.NewNop())
			if err != nil {
				return err
			}
			o, err := newOrchestrator(store, zap.NewNop(), nil)
			if err != nil {
				return err
			}
			dump, err := o.StateDump(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dump)
		},
	}
}

func newRollbackCmd() *cobra.Command {
	var step string
	var chapter, scene int
	var force bool
	cmd := &cobra.Command{
		Use:   "rollback <project-dir> (--step S | --chapter N [--scene M])",
		Short: "delete artifacts back to a step, chapter, or scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(false)
			if err != nil {
				return err
			}
			store, err := openStore(args[0], log)
			if err != nil {
				return err
			}

			var target string
			switch {
			case step != "":
				target = fmt.Sprintf("step %q and everything after it", step)
			case chapter > 0 && scene > 0:
				target = fmt.Sprintf("chapter %d prose (from scene %d) and all later chapters", chapter, scene)
			case chapter > 0:
				target = fmt.Sprintf("chapter %d and all later chapters", chapter)
			default:
				return runctl.Userf("rollback needs --step or --chapter")
			}
			if !force && !confirm(fmt.Sprintf("this permanently deletes %s", target)) {
				fmt.Println("aborted")
				return nil
			}

			o, err := newOrchestrator(store, log, nil)
			if err != nil {
				return err
			}
			switch {
			case step != "":
				err = o.RollbackToStep(step)
			case scene > 0:
				err = o.RollbackToScene(chapter, scene)
			default:
				err = o.RollbackToChapter(chapter)
			}
			if err != nil {
				return err
			}
			fmt.Println("rolled back; `fabula resume` regenerates from here")
			return nil
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "pipeline step (world, characters, theme_conflict, outline, chapters)")
	cmd.Flags().IntVar(&chapter, "chapter", 0, "first chapter to delete")
	cmd.Flags().IntVar(&scene, "scene", 0, "scene within --chapter")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func confirm(warning string) bool {
	fmt.Printf("%s; type 'yes' to continue: ", warning)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

func newExportCmd() *cobra.Command {
	var chapter int
	var output string
	cmd := &cobra.Command{
		Use:   "export <project-dir>",
		Short: "render manuscript text from stored chapters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0], zap.NewNop())
			if err != nil {
				return err
			}
			var text string
			if chapter > 0 {
				text, err = export.Chapter(store, chapter)
			} else {
				text, err = export.Manuscript(store)
			}
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Print(text)
				return nil
			}
			return os.WriteFile(output, []byte(text), 0o644)
		},
	}
	cmd.Flags().IntVar(&chapter, "chapter", 0, "export a single chapter")
	cmd.Flags().StringVar(&output, "output", "", "write to a file instead of stdout")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr, root string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the project API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			abs, err := filepath.Abs(root)
			if err != nil {
				return err
			}
			s := server.New(server.Config{Addr: addr, BaseRoot: abs, Logger: log})
			return s.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&root, "root", ".", "directory containing project directories")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	return cmd
}
