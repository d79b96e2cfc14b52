package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"airouter/internal/workflow"
)

const timeRound = 10 * time.Millisecond

var (
	execInputs  []string
	execSession string
)

var validateCmd = &cobra.Command{
	Use:   "validate [workflow.yaml]",
	Short: "Validate a workflow file without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := workflow.Load(args[0])
		if err != nil {
			return err
		}
		if err := workflow.Validate(wf); err != nil {
			var ve *workflow.ValidationError
			if errors.As(err, &ve) {
				fmt.Println(ve.Error())
				return fmt.Errorf("%d validation problems", len(ve.Problems))
			}
			return err
		}
		fmt.Printf("%s: valid (%d steps)\n", wf.ID, len(wf.Steps))
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [workflow.yaml]",
	Short: "Execute a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  execWorkflow,
}

func init() {
	execCmd.Flags().StringArrayVarP(&execInputs, "input", "i", nil, "input variable, key=value (repeatable)")
	execCmd.Flags().StringVar(&execSession, "session", "", "session id to record prompt exchanges in")
}

func execWorkflow(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	wf, err := workflow.Load(args[0])
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, execSession != "")
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireChain(); err != nil {
		return err
	}

	inputs, err := parseKeyValues(execInputs)
	if err != nil {
		return err
	}

	exec, runErr := a.engine().Execute(ctx, wf, workflow.ExecOptions{
		Inputs:    inputs,
		SessionID: execSession,
	})
	if exec == nil {
		return runErr
	}

	fmt.Printf("Execution %s: %s (%s)\n", exec.ID, exec.Status, exec.EndedAt.Sub(exec.StartedAt).Round(timeRound))
	for _, se := range exec.Steps {
		line := fmt.Sprintf("  %-20s %-10s %6dms", se.Name, se.Status, se.DurationMS)
		if se.RetryCount > 0 {
			line += fmt.Sprintf("  retries=%d", se.RetryCount)
		}
		if se.Error != "" {
			line += "  " + se.Error
		}
		fmt.Println(line)
	}
	return runErr
}
