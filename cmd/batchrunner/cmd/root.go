package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/common"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

const customConfigLocation = "config"

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "batchrunner",
		Short:         "batchrunner computes the frames of a batch job on instances recruited from the Neocortix cloud.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringSlice(
		customConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &batcherrors.ErrInvalidArgument{Name: "flags", Value: c.CommandPath(), Message: err.Error()}
	})

	cmd.AddCommand(
		runCmd(),
		cleanupCmd(),
		purgeKnownHostsCmd(),
		statusCmd(),
	)
	return cmd
}

// Execute runs the command line and returns the process exit status.
func Execute() int {
	err := RootCmd().Execute()
	if err == nil {
		return batcherrors.ExitSuccess
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			log.Error(exit.err)
		}
		return exit.code
	}
	log.Error(err)
	return batcherrors.ExitCodeFromError(err)
}

// exitError carries a status decided by a command, with or without an error to report.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// loadConfig binds the given flags over the configuration files named by --config and loads the result.
func loadConfig(cmd *cobra.Command, flags *pflag.FlagSet) (configuration.BatchRunnerConfiguration, error) {
	common.BindCommandlineArguments(flags)
	userSpecified, err := cmd.Flags().GetStringSlice(customConfigLocation)
	if err != nil {
		return configuration.BatchRunnerConfiguration{}, errors.WithStack(err)
	}
	config, err := configuration.Load(userSpecified)
	if err != nil {
		return config, &batcherrors.ErrInvalidArgument{Name: customConfigLocation, Value: userSpecified, Message: err.Error()}
	}
	return config, nil
}
