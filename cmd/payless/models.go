package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "models [provider]",
		Short: "List providers, models and credit prices",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), configPath, cmd.Flags().Changed("config"), func(a *app) error {
				names := a.registry.Providers()
				if len(args) == 1 {
					names = args
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tMODEL\tDEFAULT\tINPUT/1K\tOUTPUT/1K")
				for _, name := range names {
					d, err := a.registry.Descriptor(name)
					if err != nil {
						return err
					}
					for _, m := range d.AvailableModels {
						def := ""
						if m == d.DefaultModel {
							def = "*"
						}
						price, ok := a.table.Lookup(m)
						if !ok {
							fmt.Fprintf(w, "%s\t%s\t%s\tfallback\tfallback\n", name, m, def)
							continue
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\n", name, m, def, price.Input, price.Output)
					}
				}
				fmt.Fprintf(w, "\npricing version %s\n", a.table.Version())
				return w.Flush()
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
