package cli

import (
	"github.com/rcliao/agent-runtime/internal/memory"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconcile episodic memory with the thread logs",
		Long: "Drop memory records of deleted threads and embed every message not yet indexed. " +
			"Runs for one agent, or every known agent when --agent is omitted.",
		Args: cobra.NoArgs,
		Run:  runBackfill,
	}
	cmd.Flags().StringP("agent", "a", "", "Agent id (default: all agents)")

	RootCmd.AddCommand(cmd)
}

func runBackfill(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	ctx := cmd.Context()

	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()

	ids := []string{agent}
	if agent == "" {
		onDisk, err := s.Agents(ctx)
		if err != nil {
			exitErr("list agents", err)
		}
		ids = mergeIDs(cfg.AgentIDs(), onDisk)
	}

	results := make(map[string]memory.BackfillResult, len(ids))
	for _, id := range ids {
		res, err := s.Backfill(ctx, id)
		if err != nil {
			exitErr("backfill "+id, err)
		}
		results[id] = res
	}
	if agent != "" {
		printJSON(results[agent])
		return
	}
	printJSON(results)
}

func mergeIDs(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
