package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flownet-io/go-flownet/parser"
	"github.com/flownet-io/go-flownet/wfnet"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <spec.yaml>",
		Short: "Validate a workflow specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parser.ParseFile(args[0])
			if err != nil {
				var verr *wfnet.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n", args[0])
					for _, v := range verr.Violations {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s %s: %s\n", v.Code, v.Element, v.Message)
					}
					return fmt.Errorf("%d violation(s)", len(verr.Violations))
				}
				return err
			}
			nets := 1 + len(spec.Subnets)
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: specification %q, %d net(s)\n", args[0], spec.ID, nets)
			return nil
		},
	}
}
