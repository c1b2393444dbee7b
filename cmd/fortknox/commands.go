package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "fortknox",
		Short:         "Progressive PII sanitization and fail-closed report compilation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default fortknox.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newSanitizeCmd(opts),
		newCompileCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func newSanitizeCmd(opts *rootOptions) *cobra.Command {
	var showMasked bool
	cmd := &cobra.Command{
		Use:   "sanitize [file...]",
		Short: "Mask files and report the level reached by each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSanitize(cmd, opts, args, showMasked)
		},
	}
	cmd.Flags().BoolVar(&showMasked, "masked", false, "print the masked text of every file that passed")
	return cmd
}

func newCompileCmd(opts *rootOptions) *cobra.Command {
	var (
		policy   string
		template string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "compile [file...]",
		Short: "Sanitize files and compile a report from them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, opts, args, policy, template, asJSON)
		},
	}
	cmd.Flags().StringVarP(&policy, "policy", "p", "internal", "policy id")
	cmd.Flags().StringVarP(&template, "template", "t", "weekly", "template id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}
