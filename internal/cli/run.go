package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kaiwahq/kaiwa/internal/config"
	"github.com/kaiwahq/kaiwa/pkg/proc"
	"github.com/kaiwahq/kaiwa/pkg/session"
	"github.com/kaiwahq/kaiwa/pkg/store"
	"github.com/kaiwahq/kaiwa/pkg/wire"
)

var (
	runModel  string
	runDir    string
	runResume string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single assistant session",
	Long: `Spawn one assistant session with the given prompt, stream its output
to stdout, and exit when the process ends. With --resume, continues an
existing conversation instead of starting a new one.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runModel, "model", "", "model to use")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory for the session")
	runCmd.Flags().StringVar(&runResume, "resume", "", "session id to resume")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	st, err := store.NewSQLiteStore(store.Config{Path: cfg.Store.Path, Logger: log})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	sessions := session.NewRegistry(cfg, proc.ForHost(), st, log, nil)
	defer sessions.Close()

	prompt := strings.Join(args, " ")

	var sess *session.Session
	if runResume != "" {
		sess, err = sessions.Resume(cmd.Context(), runResume, prompt, runModel, runDir)
	} else {
		sess, err = sessions.Create(cmd.Context(), prompt, runModel, runDir)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", sess.Identity())

	exitCode := 0
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case wire.ContentDelta:
			fmt.Fprint(cmd.OutOrStdout(), e.Text)
		case wire.ToolUse:
			fmt.Fprintf(cmd.ErrOrStderr(), "[tool] %s\n", e.ToolName)
		case wire.ErrorEvent:
			fmt.Fprintf(cmd.ErrOrStderr(), "[error] %s\n", e.Text)
		case wire.ProcessEnd:
			exitCode = e.ExitCode
		}
	}

	totals := sess.Usage()
	fmt.Fprintf(cmd.ErrOrStderr(), "\ntokens: %d in, %d out (%.1f%% of context)\n",
		totals.Input, totals.Output, sess.ContextUsed()*100)

	if exitCode != 0 {
		return fmt.Errorf("assistant exited with code %d", exitCode)
	}
	return nil
}
