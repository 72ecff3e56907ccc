package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rcliao/agent-runtime/internal/memory"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Recall past messages by meaning",
		Long:  "Search an agent's episodic memory for the messages most similar to the query.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("agent", "a", "", "Agent id (required)")
	cmd.Flags().String("thread", "", "Thread the search is made from (recorded in analytics)")
	cmd.Flags().String("exclude-thread", "", "Leave this thread out of the results")
	cmd.Flags().IntP("limit", "l", 0, "Max results (default: search_limit from config)")
	cmd.MarkFlagRequired("agent")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	thread, _ := cmd.Flags().GetString("thread")
	exclude, _ := cmd.Flags().GetString("exclude-thread")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	cfg := loadConfig()
	if limit <= 0 {
		limit = cfg.SearchLimit
	}
	s := openStore(cfg)
	defer s.Close()

	resp, err := s.Search(cmd.Context(), query, store.SearchOptions{
		AgentID:       agent,
		ThreadID:      thread,
		ExcludeThread: exclude,
		Limit:         limit,
	})
	if err != nil {
		exitErr("search", err)
	}
	if resp.Unavailable {
		fmt.Fprintf(os.Stderr, "hint: %v (set AGENT_RUNTIME_EMBED_PROVIDER)\n", memory.ErrUnavailable)
	}
	printJSON(resp)
}
