package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pd-anonymizer/internal/config"
	"pd-anonymizer/internal/engine"
	"pd-anonymizer/internal/relay"
	"pd-anonymizer/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printBanner(cfg)

			app, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // best effort on shutdown

			var chat server.Chatter
			if cfg.Relay.URL != "" {
				client := relay.NewClient(cfg.Relay)
				defer client.CloseIdleConnections()
				chat = relay.New(app.engine, client, app.defaults(), app.metrics, app.logFor("relay"))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := server.New(cfg, app.engine, chat, app.metrics, app.logFor("server"))
			return srv.ListenAndServe(ctx)
		},
	}
}

func newAnonymizeCmd() *cobra.Command {
	var (
		selector   string
		language   string
		reusable   bool
		reidentify bool
		entities   []string
	)
	cmd := &cobra.Command{
		Use:   "anonymize [text]",
		Short: "Pseudonymize text and print the result as JSON",
		Long: `Pseudonymize text read from the argument, or from stdin when no argument is
given. The JSON result carries anonymizedText and, when reidentification is
allowed and something was replaced, the sessionId and key needed to restore it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			app, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // read-mostly

			req := app.defaults()
			req.Text = text
			if cmd.Flags().Changed("model") {
				req.Selector = selector
			}
			if cmd.Flags().Changed("language") {
				req.Language = language
			}
			if cmd.Flags().Changed("reusable") {
				req.ReusableTags = reusable
			}
			if cmd.Flags().Changed("reidentify") {
				req.AllowReidentification = reidentify
			}
			if cmd.Flags().Changed("entities") {
				req.Entities = entities
			}

			res, err := app.engine.Anonymize(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&selector, "model", "m", "", `detection sources: a name, a comma-separated list, or "all"`)
	cmd.Flags().StringVarP(&language, "language", "l", engine.DefaultLanguage, "language hint passed to model-backed sources")
	cmd.Flags().BoolVar(&reusable, "reusable", true, `use readable labels ("Person A") instead of random identifiers`)
	cmd.Flags().BoolVar(&reidentify, "reidentify", true, "store an encrypted session so the text can be restored")
	cmd.Flags().StringSliceVarP(&entities, "entities", "e", nil, "entity types to detect (default all)")
	return cmd
}

func newReidentifyCmd() *cobra.Command {
	var sessionID, key string
	cmd := &cobra.Command{
		Use:   "reidentify [text]",
		Short: "Restore original values in text using a stored session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			app, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // read-only

			out, err := app.engine.Reidentify(cmd.Context(), text, sessionID, key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID returned by anonymize")
	cmd.Flags().StringVarP(&key, "key", "k", "", "session key returned by anonymize")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newEstimateCmd() *cobra.Command {
	var (
		model          string
		maxCompletions int
	)
	cmd := &cobra.Command{
		Use:   "estimate [prompt]",
		Short: "Estimate the OpenAI cost of a prompt",
		Long: `Count the tokens of a prompt read from the argument or stdin and price it,
together with up to --max-completion-tokens of reply, for the given model.
Nothing is sent anywhere.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			prompt, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("model") {
				model = cfg.Relay.Model
			}
			est, err := relay.EstimatePrompt(prompt, model, maxCompletions)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), est)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "OpenAI model name (default: relay model from config)")
	cmd.Flags().IntVar(&maxCompletions, "max-completion-tokens", 0, "completion tokens to include in the estimate")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pdanon", version) //nolint:errcheck // terminal output
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// inputText returns the positional argument, or all of stdin when there is
// none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimRight(string(data), "\r\n")
	if text == "" {
		return "", errors.New("no text given")
	}
	return text, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

