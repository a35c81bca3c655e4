package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/reporter"
)

func statusCmd() *cobra.Command {
	flags := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flags.String("jobName", "", "job name of the run")
	flags.String("outDataDir", "", "output directory of the run")

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the progress of a run",
		Long:  `Prints the progress file of a run, running or not, and how many frames were last seen in each state in its event log.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			progress, err := reporter.LoadProgress(filepath.Join(config.OutDataDir, jobdir.ProgressFileName))
			if err != nil {
				return err
			}
			events, err := reporter.ReadEvents(filepath.Join(config.OutDataDir, jobdir.EventLogFileName(config.JobName)))
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), progress.NFramesFinished, progress.NFramesWanted,
				progress.NWorkersWorking, reporter.LastFrameStates(events))
		},
	}
	cmd.Flags().AddFlagSet(flags)
	return cmd
}

func printStatus(out io.Writer, finished int, wanted int, working int, frameStates map[int]string) error {
	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	fmt.Fprintf(w, "Frames finished:\t%d of %d\n", finished, wanted)
	fmt.Fprintf(w, "Workers working:\t%d\n", working)

	counts := map[string]int{}
	for _, frameState := range frameStates {
		counts[frameState]++
	}
	frameStateNames := maps.Keys(counts)
	slices.Sort(frameStateNames)
	for _, name := range frameStateNames {
		fmt.Fprintf(w, "Frames last %s:\t%d\n", name, counts[name])
	}
	return w.Flush()
}
