package cli

import (
	"github.com/rcliao/agent-runtime/internal/daemon"
	"github.com/rcliao/agent-runtime/internal/engine"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the trigger scheduler and memory reconciler",
		Long: "Run in the foreground until interrupted: fire due triggers every tick, " +
			"reconcile episodic memory on an interval, and clean up after deleted threads.",
		Args: cobra.NoArgs,
		Run:  runDaemon,
	}
	RootCmd.AddCommand(cmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	d, err := daemon.New(daemon.Options{
		Config:   cfg,
		Embedder: newEmbedder(cfg),
		Engine:   engine.NewMock(),
		Logger:   newLogger(),
	})
	if err != nil {
		exitErr("daemon", err)
	}
	defer d.Close()

	if err := d.Run(cmd.Context()); err != nil {
		exitErr("daemon", err)
	}
}
