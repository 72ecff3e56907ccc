package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	threadCmd := &cobra.Command{
		Use:   "thread",
		Short: "Create, inspect, and append to conversation threads",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Open a new thread",
		Args:  cobra.NoArgs,
		Run:   runThreadCreate,
	}
	create.Flags().StringP("agent", "a", "", "Owning agent id (required)")
	create.Flags().StringP("channel", "c", string(model.ChannelTerminal), "Channel: chatbot, http, terminal, system")
	create.Flags().StringP("title", "t", "", "Thread title")
	create.MarkFlagRequired("agent")

	list := &cobra.Command{
		Use:   "list",
		Short: "List an agent's threads",
		Args:  cobra.NoArgs,
		Run:   runThreadList,
	}
	list.Flags().StringP("agent", "a", "", "Agent id (required)")
	list.MarkFlagRequired("agent")

	show := &cobra.Command{
		Use:   "show [thread-id]",
		Short: "Show a thread's manifest and messages",
		Args:  cobra.ExactArgs(1),
		Run:   runThreadShow,
	}
	show.Flags().Bool("events", false, "Show the full event log instead of messages")

	appendCmd := &cobra.Command{
		Use:   "append [thread-id] [text]",
		Short: "Append a message to a thread",
		Long:  "Append a message. Text can follow the thread id or be piped via stdin.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runThreadAppend,
	}
	appendCmd.Flags().StringP("role", "r", string(model.RoleUser), "Role: user or assistant")

	rm := &cobra.Command{
		Use:   "rm [thread-id]",
		Short: "Delete a thread",
		Long:  "Delete a thread's manifest and log. Its memory records are dropped by the next backfill.",
		Args:  cobra.ExactArgs(1),
		Run:   runThreadRm,
	}

	title := &cobra.Command{
		Use:   "title [thread-id] [title]",
		Short: "Set a thread's title",
		Args:  cobra.MinimumNArgs(2),
		Run:   runThreadTitle,
	}

	threadCmd.AddCommand(create, list, show, appendCmd, rm, title)
	RootCmd.AddCommand(threadCmd)
}

func runThreadCreate(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	channel, _ := cmd.Flags().GetString("channel")
	title, _ := cmd.Flags().GetString("title")

	s := openStore(loadConfig())
	defer s.Close()

	m, err := s.Create(cmd.Context(), store.CreateParams{
		AgentID: agent,
		Channel: model.Channel(channel),
		Title:   title,
	})
	if err != nil {
		exitErr("create thread", err)
	}
	printJSON(m)
}

func runThreadList(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")

	s := openStore(loadConfig())
	defer s.Close()

	threads, err := s.List(cmd.Context(), agent)
	if err != nil {
		exitErr("list threads", err)
	}
	if threads == nil {
		threads = []model.Manifest{}
	}
	printJSON(threads)
}

func runThreadShow(cmd *cobra.Command, args []string) {
	withEvents, _ := cmd.Flags().GetBool("events")
	ctx := cmd.Context()

	s := openStore(loadConfig())
	defer s.Close()

	m, err := s.Get(ctx, args[0])
	if err != nil {
		exitThreadErr("show thread", args[0], err)
	}
	out := map[string]any{"manifest": m}
	if withEvents {
		events, err := s.LoadEvents(ctx, m.ID)
		if err != nil {
			exitErr("load events", err)
		}
		out["events"] = events
	} else {
		msgs, err := s.LoadMessages(ctx, m.ID)
		if err != nil {
			exitErr("load messages", err)
		}
		out["messages"] = msgs
	}
	printJSON(out)
}

func runThreadAppend(cmd *cobra.Command, args []string) {
	role, _ := cmd.Flags().GetString("role")
	threadID := args[0]
	text := strings.TrimSpace(readText(args[1:]))
	if text == "" {
		exitErr("append", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	s := openStore(loadConfig())
	defer s.Close()

	msg := model.Message{Role: model.Role(role), Text: text}
	err := s.WithLock(cmd.Context(), threadID, func(ctx context.Context) error {
		return s.AppendMessage(ctx, threadID, msg)
	})
	if err != nil {
		exitThreadErr("append", threadID, err)
	}
	m, _ := s.Get(cmd.Context(), threadID)
	printJSON(m)
}

func runThreadRm(cmd *cobra.Command, args []string) {
	threadID := args[0]

	s := openStore(loadConfig())
	defer s.Close()

	err := s.WithLock(cmd.Context(), threadID, func(ctx context.Context) error {
		return s.Delete(ctx, threadID)
	})
	if err != nil {
		exitThreadErr("rm", threadID, err)
	}
	fmt.Printf(`{"ok":true,"thread_id":%q}`+"\n", threadID)
}

func runThreadTitle(cmd *cobra.Command, args []string) {
	threadID := args[0]
	title := strings.Join(args[1:], " ")

	s := openStore(loadConfig())
	defer s.Close()

	var m *model.Manifest
	err := s.WithLock(cmd.Context(), threadID, func(ctx context.Context) error {
		var err error
		m, err = s.UpdateManifest(ctx, threadID, model.ManifestPatch{Title: &title})
		return err
	})
	if err != nil {
		exitThreadErr("title", threadID, err)
	}
	printJSON(m)
}

func exitThreadErr(msg, threadID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		exitErr(msg, fmt.Errorf("no thread %s", threadID))
	}
	exitErr(msg, err)
}
