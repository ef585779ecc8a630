package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"persona/internal/agent"
	"persona/internal/config"
	"persona/internal/logging"
	"persona/internal/repl"
	"persona/internal/sandbox"
	"persona/internal/session"
	"persona/internal/skills"
	"persona/internal/tools"
)

var version = "0.3.0"

var (
	mntDir         string
	noMnt          bool
	skillsDir      string
	containerImage string
	oneShotPrompt  string
	noStream       bool
)

var rootCmd = &cobra.Command{
	Use:   "persona [prompt]",
	Short: "persona - an AI command console with a sandboxed shell",
	Long: `persona is an interactive AI assistant backed by a disposable Docker
sandbox. The model can run commands, write files, and load skills inside
the container; your working directory is available to it at /mnt.

Run without arguments for the interactive console, or pass a prompt
(positionally or with -p) for a single answer.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&mntDir, "mnt-dir", ".", "host directory mounted at /mnt in the sandbox")
	rootCmd.Flags().BoolVar(&noMnt, "no-mnt", false, "do not mount any host directory")
	rootCmd.Flags().StringVar(&skillsDir, "skills-dir", "", "directory of skills mounted read-only at /skills")
	rootCmd.Flags().StringVar(&containerImage, "container-image", "", "sandbox image (default $SANDBOX_CONTAINER_IMAGE or ubuntu.sandbox)")
	rootCmd.Flags().StringVarP(&oneShotPrompt, "prompt", "p", "", "run one prompt and exit")
	rootCmd.Flags().BoolVar(&noStream, "no-stream", false, "render one-shot output once instead of streaming")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := config.Load(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := logging.Init(config.IsDebug()); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logging.Sync()
	logging.Boot("persona %s starting", version)

	prompt := oneShotPrompt
	if prompt == "" && len(args) == 1 {
		prompt = args[0]
	}

	// Skills are optional; a missing directory just means no load_skill
	// tool and no /skills mount.
	var library *skills.Library
	if skillsDir != "" {
		var err error
		library, err = skills.NewLibrary(skillsDir)
		if err != nil {
			return fmt.Errorf("index skills: %w", err)
		}
	}

	sandboxEnv, err := config.SandboxEnv("")
	if err != nil {
		return fmt.Errorf("read sandbox env: %w", err)
	}

	image := containerImage
	if image == "" {
		image = os.Getenv("SANDBOX_CONTAINER_IMAGE")
	}
	if image == "" {
		image = "ubuntu.sandbox"
	}
	base := os.Getenv("SANDBOX_CONTAINER_NAME")
	if base == "" {
		base = "sandbox"
	}

	// docker -v needs an absolute host path.
	mount, err := filepath.Abs(mntDir)
	if err != nil {
		mount = mntDir
	}

	opts := sandbox.Options{
		Name:     fmt.Sprintf("%s-%d", base, os.Getpid()),
		Image:    image,
		MountDir: mount,
		NoMount:  noMnt,
		EnvVars:  sandboxEnv,
	}
	if library != nil {
		opts.SkillsDir = library.Dir()
	}
	mgr, err := sandbox.New(opts)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sandbox must be up before the loop starts; a dead daemon is a
	// startup failure, not something to discover mid-conversation.
	if err := mgr.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}
	defer func() {
		// Teardown runs on a fresh context so a cancelled run still
		// stops the container.
		if serr := mgr.Stop(context.Background()); serr != nil {
			logging.SandboxError("teardown: %v", serr)
		}
	}()

	bridge := sandbox.NewBridge(mgr)

	var reader tools.SkillReader
	var skillsXML func() string
	if library != nil {
		reader = library
		skillsXML = library.XML
	}
	registry := tools.New(bridge, reader)
	systemPrompt := agent.NewPrompt(skillsXML)
	client := agent.NewClient(config.Engine())
	runner := agent.NewRunner(client, registry, systemPrompt)

	store, err := session.NewStore("")
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	if prompt != "" {
		return runOneShot(ctx, runner, store, prompt)
	}
	return runInteractive(ctx, cancel, runner, store, library, systemPrompt, opts)
}

// engineAdapter exposes the runner through the loop's Engine interface.
type engineAdapter struct {
	runner *agent.Runner
}

func (a engineAdapter) Turn(ctx context.Context, history session.History, input string) (<-chan agent.Event, func() (session.History, session.Usage, error)) {
	t := a.runner.Turn(ctx, history, input)
	return t.Events, t.Result
}

func runInteractive(ctx context.Context, cancel context.CancelFunc, runner *agent.Runner, store *session.Store, library *skills.Library, systemPrompt *agent.Prompt, opts sandbox.Options) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return fmt.Errorf("markdown renderer: %w", err)
	}

	flag := &repl.InterruptFlag{}
	stopSignals := flag.Notify()
	defer stopSignals()

	// SIGTERM is a shutdown, not an interrupt.
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	defer signal.Stop(term)
	go func() {
		select {
		case <-term:
			logging.Boot("SIGTERM received, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	mountLabel := "no-mnt"
	if !opts.NoMount {
		mountLabel = "mnt"
	}

	loop := repl.New(repl.Options{
		Engine:     engineAdapter{runner},
		Store:      store,
		Render:     renderer.Render,
		In:         os.Stdin,
		Out:        os.Stdout,
		Interrupt:  flag,
		MountLabel: mountLabel,
	})

	g, gctx := errgroup.WithContext(ctx)
	if library != nil {
		g.Go(func() error {
			err := library.Watch(gctx, systemPrompt.Invalidate)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		defer cancel()
		err := loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func runOneShot(ctx context.Context, runner *agent.Runner, store *session.Store, prompt string) error {
	turn := runner.Turn(ctx, nil, prompt)

	var buffered strings.Builder
	for ev := range turn.Events {
		switch ev.Kind {
		case agent.TextDelta:
			if noStream {
				buffered.WriteString(ev.Text)
			} else {
				fmt.Print(ev.Text)
			}
		case agent.ToolCallStarted:
			fmt.Fprintf(os.Stderr, "[%s]\n", ev.ToolName)
		}
	}

	history, _, err := turn.Result()
	if err != nil {
		return err
	}
	if noStream {
		renderer, rerr := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if rerr == nil {
			if out, rerr := renderer.Render(buffered.String()); rerr == nil {
				fmt.Print(out)
			} else {
				fmt.Println(buffered.String())
			}
		} else {
			fmt.Println(buffered.String())
		}
	} else {
		fmt.Println()
	}

	if serr := store.SaveLatest(history); serr != nil {
		logging.SessionDebug("autosave: %v", serr)
	}
	return nil
}
