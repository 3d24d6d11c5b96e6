package cmd

import (
	"context"
	"fmt"

	"StoryToComic-server/models"
	"StoryToComic-server/workflow"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func projectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Inspect and delete stored projects",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			projects, err := a.manager.List(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			if len(projects) == 0 {
				fmt.Println("No projects found")
				return nil
			}
			fmt.Printf("Found %d project(s):\n\n", len(projects))
			for _, p := range projects {
				title := p.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%-40s %-16s %s  %s\n", p.ID, stateLabel(workflow.DerivedState(p)), title,
					p.LastUpdated.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show project details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.manager.Store().Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("project %s not found", args[0])
			}
			printProject(p)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.manager.Delete(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to delete project: %w", err)
			}
			fmt.Printf("✓ Deleted project %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func stateLabel(s workflow.State) string {
	switch s {
	case workflow.StateCoverMode:
		return color.New(color.FgGreen).Sprint(s)
	case workflow.StateRefineMode, workflow.StateCaptionsReady:
		return color.New(color.FgCyan).Sprint(s)
	case workflow.StateInput:
		return color.New(color.FgHiBlack).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}

func panelMark(st models.PanelStatus) string {
	switch st {
	case models.PanelCompleted:
		return color.New(color.FgGreen).Sprint("✓")
	case models.PanelError:
		return color.New(color.FgRed).Sprint("✗")
	case models.PanelGenerating:
		return color.New(color.FgYellow).Sprint("…")
	default:
		return "·"
	}
}

func printProject(p *models.Project) {
	fmt.Printf("Project: %s\n", p.ID)
	if p.Title != "" {
		fmt.Printf("Title: %s\n", p.Title)
	}
	fmt.Printf("Source: %s %s\n", p.SourceType, p.VideoURL)
	fmt.Printf("State: %s (step %s, view %d)\n", stateLabel(workflow.DerivedState(p)), p.WorkflowStep, p.ViewStep)
	fmt.Printf("Frames: %d  Tags: %d  Aspect: %s\n", len(p.SourceFrames), len(p.Tags), p.AspectRatio)
	for i, d := range p.StepDescriptions {
		if d != "" {
			fmt.Printf("  %2d. %s\n", i+1, d)
		}
	}
	if len(p.SubPanels) > 0 {
		fmt.Printf("Panels (%d):", len(p.SubPanels))
		for _, sp := range p.SubPanels {
			fmt.Printf(" %s", panelMark(sp.Status))
		}
		fmt.Println()
	}
	if p.BatchJobID != "" {
		fmt.Printf("Batch: %s [%s]\n", p.BatchJobID, p.BatchStatus)
	}
	if p.SelectedCaption != nil {
		fmt.Printf("Caption: %s\n", p.SelectedCaption.Title)
	}
	fmt.Printf("Updated: %s\n", p.LastUpdated.Local().Format("2006-01-02 15:04:05"))
}
