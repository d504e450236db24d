package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"research/backend/internal/mcptool"
	"research/backend/internal/research"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var askFlags struct {
	loops          int
	queries        int
	reasoningModel string
	asJSON         bool
	raw            bool
	archive        bool
}

var askCmd = &cobra.Command{
	Use:   "ask <question...>",
	Short: "Research a question and print a cited answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().IntVar(&askFlags.loops, "loops", 0, "Maximum reflection loops (0 uses the configured default)")
	askCmd.Flags().IntVar(&askFlags.queries, "queries", 0, "Initial sub-query count (0 uses the configured default)")
	askCmd.Flags().StringVar(&askFlags.reasoningModel, "reasoning-model", "", "Model for reflection and the final answer")
	askCmd.Flags().BoolVar(&askFlags.asJSON, "json", false, "Print the full run result as JSON")
	askCmd.Flags().BoolVar(&askFlags.raw, "raw", false, "Print markdown without terminal rendering")
	askCmd.Flags().BoolVar(&askFlags.archive, "archive", false, "Save the report to the configured archive")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("question is required")
	}

	stderr := cmd.ErrOrStderr()
	result, err := services.Orchestrator.Run(cmd.Context(),
		[]research.Message{{Role: research.RoleUser, Content: question}},
		research.RunConfig{
			InitialSearchQueryCount: askFlags.queries,
			MaxResearchLoops:        askFlags.loops,
			ReasoningModel:          askFlags.reasoningModel,
		},
		func(progress research.Progress) {
			if !askFlags.asJSON {
				printProgress(stderr, progress)
			}
		},
	)
	if err != nil {
		return err
	}

	if askFlags.archive {
		if services.Archive == nil {
			services.Logger.Warn("no archive configured; set ARCHIVE_GCS_BUCKET or ARCHIVE_LOCAL_DIR")
		} else if path, err := services.Archive.Save(cmd.Context(), question, result); err != nil {
			services.Logger.Warn("archive report", zap.Error(err))
		} else {
			fmt.Fprintf(stderr, "saved %s (%s)\n", path, services.Archive.Backend())
		}
	}

	out := cmd.OutOrStdout()
	if askFlags.asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	markdown := mcptool.FormatAnswer(result)
	if askFlags.raw {
		_, err := fmt.Fprintln(out, markdown)
		return err
	}
	return renderMarkdown(out, markdown)
}

func printProgress(w io.Writer, progress research.Progress) {
	line := string(progress.Stage)
	if progress.Loop > 0 && progress.MaxLoops > 0 {
		line += fmt.Sprintf(" (loop %d/%d)", progress.Loop, progress.MaxLoops)
	}
	if progress.Message != "" {
		line += ": " + progress.Message
	}
	fmt.Fprintln(w, "»", line)
	for _, query := range progress.Queries {
		fmt.Fprintln(w, "   -", query)
	}
}

func renderMarkdown(w io.Writer, markdown string) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		_, err = fmt.Fprintln(w, markdown)
		return err
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		rendered = markdown + "\n"
	}
	_, err = io.WriteString(w, rendered)
	return err
}
