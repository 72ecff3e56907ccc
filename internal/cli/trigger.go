package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rcliao/agent-runtime/internal/engine"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/scheduler"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage an agent's cron triggers",
	}

	add := &cobra.Command{
		Use:   "add [prompt]",
		Short: "Add a cron trigger",
		Long: `Add a trigger that sends the prompt to the agent on a 5-field cron schedule,
evaluated in the trigger's IANA time zone.

Examples:
  agent-runtime trigger add -a assistant --cron "0 9 * * 1-5" --tz America/New_York "morning brief"
  echo "weekly review" | agent-runtime trigger add -a assistant --cron "@weekly"`,
		Args: cobra.ArbitraryArgs,
		Run:  runTriggerAdd,
	}
	add.Flags().StringP("agent", "a", "", "Agent id (required)")
	add.Flags().String("cron", "", "Cron expression (required)")
	add.Flags().String("tz", "UTC", "IANA time zone the expression is evaluated in")
	add.Flags().StringP("channel", "c", string(model.ChannelSystem), "Channel for threads the trigger opens")
	add.Flags().String("thread", "", "Thread to continue on every run")
	add.MarkFlagRequired("agent")
	add.MarkFlagRequired("cron")

	edit := &cobra.Command{
		Use:   "edit [trigger-id]",
		Short: "Change fields of a trigger",
		Args:  cobra.ExactArgs(1),
		Run:   runTriggerEdit,
	}
	edit.Flags().StringP("agent", "a", "", "Agent id (required)")
	edit.Flags().String("cron", "", "New cron expression")
	edit.Flags().String("tz", "", "New time zone")
	edit.Flags().String("prompt", "", "New prompt")
	edit.Flags().StringP("channel", "c", "", "New channel")
	edit.Flags().String("thread", "", "New thread id (empty string detaches)")
	edit.MarkFlagRequired("agent")

	list := &cobra.Command{
		Use:   "list",
		Short: "List an agent's triggers",
		Args:  cobra.NoArgs,
		Run:   runTriggerList,
	}
	list.Flags().StringP("agent", "a", "", "Agent id (required)")
	list.MarkFlagRequired("agent")

	rm := &cobra.Command{
		Use:   "rm [trigger-id]",
		Short: "Remove a trigger",
		Args:  cobra.ExactArgs(1),
		Run:   runTriggerRm,
	}
	rm.Flags().StringP("agent", "a", "", "Agent id (required)")
	rm.MarkFlagRequired("agent")

	fire := &cobra.Command{
		Use:   "fire [trigger-id]",
		Short: "Run a trigger now, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		Run:   runTriggerFire,
	}
	fire.Flags().StringP("agent", "a", "", "Agent id (required)")
	fire.MarkFlagRequired("agent")

	triggerCmd.AddCommand(add, edit, list, rm, fire)
	RootCmd.AddCommand(triggerCmd)
}

func triggerStore(s *store.Store) *scheduler.TriggerStore {
	return scheduler.NewTriggerStore(filepath.Join(s.Root(), "agents"), s.Locks(), newLogger())
}

func runTriggerAdd(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	cron, _ := cmd.Flags().GetString("cron")
	tz, _ := cmd.Flags().GetString("tz")
	channel, _ := cmd.Flags().GetString("channel")
	thread, _ := cmd.Flags().GetString("thread")

	prompt := readText(args)
	if prompt == "" {
		exitErr("add trigger", fmt.Errorf("prompt is required (positional arg or stdin)"))
	}

	s := openStore(loadConfig())
	defer s.Close()

	t, err := triggerStore(s).Add(cmd.Context(), agent, model.Trigger{
		Cron:     cron,
		TZ:       tz,
		Prompt:   prompt,
		Channel:  model.Channel(channel),
		ThreadID: thread,
	})
	if err != nil {
		exitErr("add trigger", err)
	}
	if sched, err := scheduler.ParseSchedule(t.Cron, t.TZ); err == nil {
		fmt.Fprintf(os.Stderr, "next run: %s\n", sched.Next(time.Now()).Format(time.RFC3339))
	}
	printJSON(t)
}

func runTriggerEdit(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	flags := cmd.Flags()

	s := openStore(loadConfig())
	defer s.Close()

	t, err := triggerStore(s).Update(cmd.Context(), agent, args[0], func(t *model.Trigger) {
		if flags.Changed("cron") {
			t.Cron, _ = flags.GetString("cron")
		}
		if flags.Changed("tz") {
			t.TZ, _ = flags.GetString("tz")
		}
		if flags.Changed("prompt") {
			t.Prompt, _ = flags.GetString("prompt")
		}
		if flags.Changed("channel") {
			ch, _ := flags.GetString("channel")
			t.Channel = model.Channel(ch)
		}
		if flags.Changed("thread") {
			t.ThreadID, _ = flags.GetString("thread")
		}
	})
	if err != nil {
		exitTriggerErr("edit trigger", args[0], err)
	}
	printJSON(t)
}

func runTriggerList(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")

	s := openStore(loadConfig())
	defer s.Close()

	triggers, err := triggerStore(s).List(cmd.Context(), agent)
	if err != nil {
		exitErr("list triggers", err)
	}
	if triggers == nil {
		triggers = []model.Trigger{}
	}
	printJSON(triggers)
}

func runTriggerRm(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")

	s := openStore(loadConfig())
	defer s.Close()

	if err := triggerStore(s).Remove(cmd.Context(), agent, args[0]); err != nil {
		exitTriggerErr("rm trigger", args[0], err)
	}
	fmt.Printf(`{"ok":true,"trigger_id":%q}`+"\n", args[0])
}

func runTriggerFire(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	ctx := cmd.Context()

	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()

	sched, err := scheduler.New(scheduler.Config{
		Store:         s,
		Engine:        engine.NewMock(),
		EngineTimeout: time.Duration(cfg.EngineTimeout),
		Logger:        newLogger(),
	})
	if err != nil {
		exitErr("scheduler", err)
	}
	t, err := sched.Triggers().Get(ctx, agent, args[0])
	if err != nil {
		exitTriggerErr("fire trigger", args[0], err)
	}
	res, err := sched.Fire(ctx, cfg.Agent(agent), *t)
	if err != nil && res == nil {
		exitErr("fire trigger", err)
	}
	printJSON(res)
	if err != nil {
		exitErr("fire trigger", err)
	}
}

func exitTriggerErr(msg, id string, err error) {
	if errors.Is(err, scheduler.ErrTriggerNotFound) {
		exitErr(msg, fmt.Errorf("no trigger %s", id))
	}
	exitErr(msg, err)
}
