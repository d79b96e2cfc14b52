package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"airouter/internal/provider"
	"airouter/internal/store"
)

var (
	runModel   string
	runSystem  string
	runParams  []string
	runStream  bool
	runSession string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Send one prompt through the provider chain",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrompt,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model id (required)")
	runCmd.Flags().StringVar(&runSystem, "system", "", "system prompt")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "request parameter, key=value (repeatable)")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "stream the response as it is generated")
	runCmd.Flags().StringVar(&runSession, "session", "", "session id to record the exchange in (\"new\" creates one)")
	_ = runCmd.MarkFlagRequired("model")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, runSession != "")
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireChain(); err != nil {
		return err
	}

	params, err := parseKeyValues(runParams)
	if err != nil {
		return err
	}

	prompt := args[0]
	for _, extra := range args[1:] {
		prompt += " " + extra
	}
	req := provider.Request{
		ModelID:      runModel,
		Prompt:       prompt,
		SystemPrompt: runSystem,
		Parameters:   params,
	}

	sessionID := runSession
	if sessionID == "new" {
		sessionID, err = a.store.CreateSession(ctx, runModel, firstLine(prompt))
		if err != nil {
			return err
		}
		fmt.Printf("Session: %s\n", sessionID)
	}

	var text string
	var tokensIn, tokensOut int
	if runStream {
		events, err := a.chain.StreamExecute(ctx, req)
		if err != nil {
			return err
		}
		for ev := range events {
			switch {
			case ev.Err != nil:
				fmt.Println()
				return ev.Err
			case ev.Final != nil:
				text = ev.Final.Text
				tokensIn, tokensOut = ev.Final.TokensIn, ev.Final.TokensOut
			default:
				fmt.Print(ev.Text)
			}
		}
		fmt.Println()
	} else {
		res, err := a.chain.Execute(ctx, req)
		if err != nil {
			return err
		}
		text = res.Text
		tokensIn, tokensOut = res.TokensIn, res.TokensOut
		fmt.Println(text)
	}

	if sessionID != "" {
		if _, err := a.store.AppendMessage(ctx, store.Message{
			SessionID: sessionID, Role: "user", Content: prompt, TokensUsed: tokensIn, ModelID: runModel,
		}); err != nil {
			return err
		}
		if _, err := a.store.AppendMessage(ctx, store.Message{
			SessionID: sessionID, Role: "assistant", Content: text, TokensUsed: tokensOut, ModelID: runModel,
		}); err != nil {
			return err
		}
	}
	return nil
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models known to the catalog and the configured providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := buildApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		seen := map[string]bool{}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tNAME\tFRAMEWORK\tSOURCE")

		for _, m := range a.catalog.Models() {
			seen[m.ID] = true
			fmt.Fprintf(w, "%s\t%s\t%s\tcatalog\n", m.ID, m.DisplayName, m.Framework)
		}
		if a.chain != nil {
			listed, err := a.chain.ListModels(ctx)
			if err != nil {
				logger.Warn("listing provider models", zap.Error(err))
			}
			for _, m := range listed {
				if seen[m.ID] {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\tprovider\n", m.ID, m.DisplayName, m.Framework)
			}
		}
		return w.Flush()
	},
}

// firstLine derives a session title from a prompt: the first line, capped at
// 80 runes so multi-byte input is never split mid-character.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 80 {
		return string(r[:80])
	}
	return s
}
