package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardproject/steward/pkg/config"
	"github.com/stewardproject/steward/pkg/control"
)

// Exit codes: 0 success, 1 engine error, 2 invalid request, 3 engine not
// running.
const (
	exitOK         = 0
	exitEngine     = 1
	exitInvalid    = 2
	exitNotRunning = 3
)

var (
	cfgPath    string
	socketPath string
	asJSON     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "stewardctl",
		Short:         "Control a running steward engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "steward.toml", "path to the engine config file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(
		statusCmd(), pauseCmd(), resumeCmd(), interruptCmd(),
		fileCmd(), commentCmd(), updateCmd(), inspectCmd(), listCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInvalid)
	}
}

// dial connects to the engine, exiting 3 when it is not running.
func dial() *control.Client {
	path := socketPath
	if path == "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			// Without a loadable config fall back to defaults so the
			// common case (cwd of the project) still works.
			cfg = config.Default()
		}
		path = cfg.SocketPath()
	}
	client, err := control.Dial(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: engine not running (%v)\n", err)
		os.Exit(exitNotRunning)
	}
	return client
}

// finish maps a response to an exit code and prints the failure message.
func finish(resp *control.Response, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitEngine)
	}
	if resp.OK {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s: %s\n", resp.Error, resp.Message)
	switch resp.Error {
	case control.ErrKindInvalidRequest, control.ErrKindUnknownOp:
		os.Exit(exitInvalid)
	default:
		os.Exit(exitEngine)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the engine status",
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			data, resp, err := client.Status()
			finish(resp, err)
			if asJSON {
				printJSON(data)
				return
			}
			mode := "running"
			if data.Paused {
				mode = "paused"
			}
			if data.Degraded {
				mode += " (degraded snapshot)"
			}
			fmt.Printf("engine:     %s\n", mode)
			fmt.Printf("uptime:     %s\n", time.Duration(data.UptimeSeconds*float64(time.Second)).Round(time.Second))
			fmt.Printf("iteration:  %d (state v%d)\n", data.Iteration, data.StateVersion)
			if data.Instance != nil {
				fmt.Printf("instance:   %s pid %d on %s\n", data.Instance.InstanceID, data.Instance.PID, data.Instance.Hostname)
			}
			fmt.Printf("completed:  %d  failed attempts: %d\n",
				data.Counters.SuccessfulCompletions, data.Counters.FailedAttempts)
			for _, slot := range data.Slots {
				line := fmt.Sprintf("slot %d:     %s", slot.ID, slot.State)
				if slot.CurrentIssue != "" {
					line += " " + slot.CurrentIssue
				}
				fmt.Println(line)
			}
			for phase, n := range data.IssuesByPhase {
				fmt.Printf("  %-14s %d\n", phase, n)
			}
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Suspend dispatch; in-flight work finishes",
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			resp, err := client.Pause()
			finish(resp, err)
			fmt.Println("paused")
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatch",
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			resp, err := client.Resume()
			finish(resp, err)
			fmt.Println("resumed")
		},
	}
}

func interruptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt",
		Short: "Cancel the current attempt on every busy slot",
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			resp, err := client.Interrupt()
			finish(resp, err)
			fmt.Println("interrupt requested")
		},
	}
}

func fileCmd() *cobra.Command {
	var body string
	var priority int
	var labels []string
	cmd := &cobra.Command{
		Use:   "file <title>",
		Short: "File a new issue in the tracker",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			id, resp, err := client.FileIssue(control.FileArgs{
				Title:    args[0],
				Body:     body,
				Priority: priority,
				Labels:   labels,
			})
			finish(resp, err)
			fmt.Println(id)
		},
	}
	cmd.Flags().StringVarP(&body, "body", "b", "", "issue description")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "issue priority (smaller = higher)")
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "issue labels")
	return cmd
}

func commentCmd() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "comment <id> <body>",
		Short: "Append a comment to an issue",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			resp, err := client.CommentIssue(control.CommentArgs{
				ID:     args[0],
				Author: author,
				Body:   args[1],
			})
			finish(resp, err)
			fmt.Println("comment added")
		},
	}
	cmd.Flags().StringVarP(&author, "author", "a", "operator", "comment author")
	return cmd
}

func updateCmd() *cobra.Command {
	var title, description, acceptance, status, priority string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update issue fields; an empty string clears a field",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fields := control.UpdateArgs{ID: args[0]}
			if cmd.Flags().Changed("title") {
				fields.Fields.Title = &title
			}
			if cmd.Flags().Changed("description") {
				fields.Fields.Description = &description
			}
			if cmd.Flags().Changed("acceptance") {
				fields.Fields.AcceptanceCriteria = &acceptance
			}
			if cmd.Flags().Changed("status") {
				fields.Fields.Status = &status
			}
			if cmd.Flags().Changed("priority") {
				p, err := strconv.Atoi(priority)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: invalid priority %q\n", priority)
					os.Exit(exitInvalid)
				}
				fields.Fields.Priority = &p
			}
			client := dial()
			defer client.Close()
			resp, err := client.UpdateIssue(fields)
			finish(resp, err)
			fmt.Println("updated")
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&acceptance, "acceptance", "", "new acceptance criteria")
	cmd.Flags().StringVar(&status, "status", "", "new tracker status")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show one issue record in full",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			rec, resp, err := client.InspectIssue(args[0])
			finish(resp, err)
			printJSON(rec)
		},
	}
}

func listCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issue records",
		Run: func(cmd *cobra.Command, args []string) {
			client := dial()
			defer client.Close()
			summaries, resp, err := client.ListIssues(control.ListArgs{Phase: phase})
			finish(resp, err)
			if asJSON {
				printJSON(summaries)
				return
			}
			fmt.Printf("%-12s %-12s %4s %8s %5s  %s\n", "ID", "PHASE", "PRI", "ATTEMPTS", "SLOT", "TITLE")
			for _, s := range summaries {
				slot := "-"
				if s.AssignedSlot >= 0 {
					slot = strconv.Itoa(s.AssignedSlot)
				}
				fmt.Printf("%-12s %-12s %4d %8d %5s  %s\n",
					s.ID, s.Phase, s.Priority, s.Attempts, slot, s.Title)
			}
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "filter by engine phase")
	return cmd
}
