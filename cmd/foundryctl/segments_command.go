package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/videofoundry/api/internal/model"
)

func newSegmentsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "segments",
		Aliases: []string{"seg"},
		Short:   "Manage a project's segments",
	}

	cmd.AddCommand(newSegmentsListCommand(ctx))
	cmd.AddCommand(newSegmentsAddCommand(ctx))
	cmd.AddCommand(newSegmentsEditCommand(ctx))
	cmd.AddCommand(newSegmentsRemoveCommand(ctx))
	cmd.AddCommand(newSegmentsRetryCommand(ctx))
	return cmd
}

func newSegmentsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List segments in render order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			segs, err := ctx.api().ListSegments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.opts.json {
				return writeJSON(cmd, segs)
			}
			if len(segs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No segments")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSegments(segs, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
}

func renderSegments(segs []model.SegmentResponse, colorize bool) string {
	rows := make([][]string, 0, len(segs))
	for _, s := range segs {
		code := ""
		if s.ErrorCode != nil {
			code = string(*s.ErrorCode)
		}
		rows = append(rows, []string{
			strconv.Itoa(s.OrderIndex),
			s.ID,
			renderStatus(string(s.Status), colorize),
			strconv.Itoa(s.Attempts),
			code,
			truncate(s.Prompt, 48),
			renderAge(s.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"#", "ID", "Status", "Attempts", "Error", "Prompt", "Updated"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
	)
}

func newSegmentsAddCommand(ctx *commandContext) *cobra.Command {
	var order int
	var prompt string
	var params string

	cmd := &cobra.Command{
		Use:   "add <project>",
		Short: "Add a segment to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &model.CreateSegmentRequest{OrderIndex: &order, Prompt: prompt}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				req.ModelParams = json.RawMessage(params)
			}
			seg, err := ctx.api().CreateSegment(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if ctx.opts.json {
				return writeJSON(cmd, seg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created segment %s at position %d\n", seg.ID, seg.OrderIndex)
			return nil
		},
	}

	cmd.Flags().IntVar(&order, "order", 0, "Position of the segment in the render")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Generation prompt")
	cmd.Flags().StringVar(&params, "params", "", "Model params as a JSON object")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newSegmentsEditCommand(ctx *commandContext) *cobra.Command {
	var order int
	var prompt string
	var params string

	cmd := &cobra.Command{
		Use:   "edit <segment>",
		Short: "Edit a segment's prompt, params or position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &model.UpdateSegmentRequest{}
			if cmd.Flags().Changed("order") {
				req.OrderIndex = &order
			}
			if cmd.Flags().Changed("prompt") {
				req.Prompt = &prompt
			}
			if cmd.Flags().Changed("params") {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				req.ModelParams = json.RawMessage(params)
			}
			if req.OrderIndex == nil && req.Prompt == nil && req.ModelParams == nil {
				return fmt.Errorf("nothing to change, pass --order, --prompt or --params")
			}

			seg, err := ctx.api().UpdateSegment(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if ctx.opts.json {
				return writeJSON(cmd, seg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Segment %s is %s\n", seg.ID, seg.Status)
			return nil
		},
	}

	cmd.Flags().IntVar(&order, "order", 0, "New position")
	cmd.Flags().StringVar(&prompt, "prompt", "", "New prompt")
	cmd.Flags().StringVar(&params, "params", "", "New model params as a JSON object")
	return cmd
}

func newSegmentsRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <segment>",
		Aliases: []string{"delete"},
		Short:   "Delete a segment",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.api().DeleteSegment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted segment %s\n", args[0])
			return nil
		},
	}
}

func newSegmentsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <segment>",
		Short: "Retry a failed segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, err := ctx.api().RetrySegment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.opts.json {
				return writeJSON(cmd, seg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Segment %s is %s\n", seg.ID, seg.Status)
			return nil
		},
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
