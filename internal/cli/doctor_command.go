package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"clip-acquirer/internal/doctor"
)

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run dependency and filesystem preflight checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := doctor.Run(doctorOptions(a.cfg))
			if jsonOut {
				if err := printJSON(a.stdout, res); err != nil {
					return err
				}
			} else {
				printChecks(a, res)
			}
			if !res.OK {
				return errors.New("doctor checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

func printChecks(a *app, res doctor.Result) {
	color := isTerminal(a.stdout)
	for _, c := range res.Checks {
		status := "ok"
		style := viewOKStyle
		switch {
		case !c.OK && c.Optional:
			status = "warn"
			style = viewMutedStyle
		case !c.OK:
			status = "fail"
			style = viewErrorStyle
		}
		if color {
			status = style.Render(status)
		}
		fmt.Fprintf(a.stdout, "%s: %s (%s)\n", c.Name, status, c.Message)
	}
	if res.OK {
		fmt.Fprintln(a.stdout, "doctor: all required checks passed")
	}
}
