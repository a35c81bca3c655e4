package cmd

import (
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/jobdir"
	"github.com/neocortix/ncscli-sub000/internal/common"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

func cleanupCmd() *cobra.Command {
	flags := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flags.String("authToken", "", "cloud auth token (also BATCHRUNNER_AUTHTOKEN or NCS_AUTH_TOKEN)")
	flags.String("outDataDir", "", "output directory of the run")
	flags.String("cloud.url", "", "cloud API base url")

	cmd := &cobra.Command{
		Use:   "cleanup [auditFile]",
		Short: "Terminate the instances recorded in an audit file",
		Long: `Terminates every instance listed in outDataDir/launchedInstances.csv, or in the given audit file,
e.g. badTerminations.csv. Use it to release instances left behind by a run that did not finish cleanly.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if config.AuthToken == "" {
				return &batcherrors.ErrInvalidArgument{Name: "authToken", Value: "", Message: "an auth token is required"}
			}
			path := filepath.Join(config.OutDataDir, jobdir.LaunchedFileName)
			if len(args) == 1 {
				path = args[0]
			}

			instanceIds, err := jobdir.ReadInstanceIds(path)
			if err != nil {
				return err
			}
			if len(instanceIds) == 0 {
				log.Infof("No instances listed in %s", path)
				return nil
			}

			ctx, cancel := common.ContextWithDefaultTimeout()
			defer cancel()
			if err := batchrunner.NewCloudClient(config).TerminateInstances(ctx, instanceIds); err != nil {
				return err
			}
			log.Infof("Terminated %d instances listed in %s", len(instanceIds), path)
			return nil
		},
	}
	cmd.Flags().AddFlagSet(flags)
	return cmd
}
