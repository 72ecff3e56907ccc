package cli

import (
	"github.com/dustin/go-humanize"
	"github.com/rcliao/agent-runtime/internal/memory"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show an agent's thread and memory statistics",
		Args:  cobra.NoArgs,
		Run:   runStats,
	}
	cmd.Flags().StringP("agent", "a", "", "Agent id (required)")
	cmd.MarkFlagRequired("agent")

	RootCmd.AddCommand(cmd)
}

type statsOutput struct {
	*memory.Stats
	ThreadCount  int    `json:"threads"`
	MessageCount int    `json:"messages"`
	IndexSize    string `json:"index_size"`
	LastSearch   string `json:"last_search,omitempty"`
	Triggers     int    `json:"triggers"`
}

func runStats(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	ctx := cmd.Context()

	s := openStore(loadConfig())
	defer s.Close()

	threads, err := s.List(ctx, agent)
	if err != nil {
		exitErr("list threads", err)
	}
	st, err := s.Index().Stats(ctx, agent)
	if err != nil {
		exitErr("stats", err)
	}
	triggers, err := triggerStore(s).List(ctx, agent)
	if err != nil {
		exitErr("load triggers", err)
	}

	out := statsOutput{
		Stats:       st,
		ThreadCount: len(threads),
		IndexSize:   humanize.Bytes(uint64(st.IndexBytes)),
		Triggers:    len(triggers),
	}
	for _, t := range threads {
		out.MessageCount += t.MessageCount
	}
	if st.Searches != nil && st.Searches.LastSearchAt != nil {
		out.LastSearch = humanize.Time(*st.Searches.LastSearchAt)
	}
	printJSON(out)
}
