package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Poll or recover batch panel jobs",
	}

	var wait bool
	var interval time.Duration
	poll := &cobra.Command{
		Use:   "poll [project-id]",
		Short: "Query the project's batch job and apply finished results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			s, err := a.session(ctx, args[0])
			if err != nil {
				return err
			}
			if wait {
				st, err := s.PollUntilDone(ctx, interval)
				printProject(s.Snapshot())
				if err != nil {
					return err
				}
				fmt.Printf("Batch finished: %s\n", st)
				return nil
			}
			st, err := s.PollBatch(ctx, "")
			if err != nil {
				return err
			}
			printProject(s.Snapshot())
			fmt.Printf("Batch status: %s\n", st)
			return nil
		},
	}
	poll.Flags().BoolVar(&wait, "wait", false, "keep polling until the job finishes")
	poll.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval with --wait")

	recoverCmd := &cobra.Command{
		Use:   "recover [project-id] [job-id]",
		Short: "Attach an existing batch job to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()
			s, err := a.session(ctx, args[0])
			if err != nil {
				return err
			}
			st, err := s.RecoverBatch(ctx, args[1])
			printProject(s.Snapshot())
			if err != nil {
				return err
			}
			fmt.Printf("✓ Recovered job %s: %s\n", args[1], st)
			return nil
		},
	}

	cmd.AddCommand(poll, recoverCmd)
	return cmd
}
