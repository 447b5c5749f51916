package commands

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskwire/pkg/taskwire/store"
)

// newTaskCmd creates `taskwire task`.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskAddCmd(), newTaskNotifyCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	add := &cobra.Command{
		Use:     "add",
		Short:   "Add a task",
		Example: `  taskwire task add --title "Prepare syllabus" --to 2 --by 1 --due 2026-03-05 --notify`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, db, err := openStore(ctx, cfg, cliLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer db.Close()

			t := &store.Task{}
			t.Title, _ = cmd.Flags().GetString("title")
			t.Description, _ = cmd.Flags().GetString("description")
			t.AssignedTo, _ = cmd.Flags().GetInt64("to")
			t.AssignedBy, _ = cmd.Flags().GetInt64("by")
			priority, _ := cmd.Flags().GetString("priority")
			t.Priority = store.Priority(priority)
			if due, _ := cmd.Flags().GetString("due"); due != "" {
				d, err := time.ParseInLocation("2006-01-02", due, cfg.Workflow.Location())
				if err != nil {
					return fmt.Errorf("invalid --due %q, want YYYY-MM-DD: %w", due, err)
				}
				t.DueDate = &d
			}

			for _, id := range []int64{t.AssignedTo, t.AssignedBy} {
				if _, err := st.GetUser(ctx, id); err != nil {
					return fmt.Errorf("user %d: %w", id, err)
				}
			}
			if err := st.CreateTask(ctx, t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d created (%s, %s)\n", t.ID, t.Title, t.Priority)

			if notify, _ := cmd.Flags().GetBool("notify"); notify {
				return notifyTask(cmd, t.ID)
			}
			return nil
		},
	}
	add.Flags().String("title", "", "task title")
	add.Flags().String("description", "", "task description")
	add.Flags().Int64("to", 0, "assignee user id")
	add.Flags().Int64("by", 0, "assigner user id")
	add.Flags().String("priority", string(store.PriorityMedium), "low, medium, high or urgent")
	add.Flags().String("due", "", "due date (YYYY-MM-DD)")
	add.Flags().Bool("notify", false, "send the assignment notice through a running server")
	addServerFlag(add)
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("to")
	_ = add.MarkFlagRequired("by")
	return add
}

func newTaskNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify <task-id>",
		Short: "Send the assignment notice for a task through a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return notifyTask(cmd, id)
		},
	}
	addServerFlag(cmd)
	return cmd
}

func notifyTask(cmd *cobra.Command, id int64) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Outcome   string `json:"outcome"`
		Delivered bool   `json:"delivered"`
	}
	code, err := client.do(cmd.Context(), http.MethodPost, fmt.Sprintf("/api/tasks/%d/notify", id), map[string]string{"kind": "assignment"}, &resp)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task %d notice: %s\n", id, resp.Outcome)
	if !resp.Delivered {
		return fmt.Errorf("notice not delivered (HTTP %d, %s)", code, resp.Outcome)
	}
	return nil
}
