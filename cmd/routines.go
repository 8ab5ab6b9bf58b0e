package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/routine"
)

func newRoutinesCmd() *cobra.Command {
	var flagDir string
	cmd := &cobra.Command{
		Use:   "routines",
		Short: "Validate and list the routine library",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := firstNonEmpty(flagDir, config.LoadAgent().RoutinesDir)
			lib, err := loadLibrary(dir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTEPS\tDESCRIPTION")
			for _, name := range routine.Names(lib) {
				r := lib[name]
				fmt.Fprintf(tw, "%s\t%d\t%s\n", name, len(r.Steps), r.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&flagDir, "dir", "", "Routine table directory overriding $EMUAGENT_ROUTINES_DIR")
	return cmd
}

// loadLibrary loads and validates every routine table under dir on top of
// the built-ins. An empty dir yields the built-ins only.
func loadLibrary(dir string) (map[string]routine.Routine, error) {
	var extra []routine.Routine
	if dir != "" {
		loaded, err := routine.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		extra = loaded
	}
	lib := routine.Library(extra...)
	for _, name := range routine.Names(lib) {
		if err := routine.Validate(lib[name]); err != nil {
			return nil, errors.Wrapf(err, "routine %s", name)
		}
	}
	return lib, nil
}
