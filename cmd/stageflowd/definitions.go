package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/stageflow/internal/definition"
)

func newDefinitionsCommand() *cobra.Command {
	definitionsCmd := &cobra.Command{
		Use:   "definitions",
		Short: "Inspect workflow definitions",
	}
	definitionsCmd.AddCommand(newDefinitionsValidateCommand())
	return definitionsCmd
}

func newDefinitionsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate the built-in definitions plus an optional override directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}

			docs, err := definition.NewLoader().Load(dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			findings := definition.NewValidator().Validate(docs)
			errCount := 0
			for _, f := range findings {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", f.Severity, f.Code, f.Path, f.Message)
				if f.Severity == definition.SeverityError {
					errCount++
				}
			}
			if errCount > 0 {
				return fmt.Errorf("definitions invalid: %d error(s)", errCount)
			}

			registry := definition.NewRegistry(docs)
			transitions, templates := registry.Stats()
			fmt.Fprintf(out, "ok: %d documents, %d transitions, %d templates, checksum %s\n",
				len(docs), transitions, templates, registry.Checksum())
			return nil
		},
	}
}
