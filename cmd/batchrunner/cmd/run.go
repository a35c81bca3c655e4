package cmd

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/weaveworks/promrus"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/configuration"
	"github.com/neocortix/ncscli-sub000/internal/batchrunner/processor"
	"github.com/neocortix/ncscli-sub000/internal/common"
	"github.com/neocortix/ncscli-sub000/internal/common/batchcontext"
	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
	"github.com/neocortix/ncscli-sub000/internal/common/signals"
)

const keepSurvivorsFlag = "keepSurvivors"

func runCmd() *cobra.Command {
	flags := runFlags()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute the frames of a batch job",
		Long: `Recruits cloud instances, computes every frame of the job on them and retrieves the outputs into outDataDir.

SIGTERM drains the run: nothing new is started and frames in flight run to their time limits.
SIGINT, or a second SIGTERM, interrupts it and terminates every instance launched.

Exits 0 if at least one frame was finished, 1 if none was, 2 on a configuration error,
3 if instances could not be launched and 130 if interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed(keepSurvivorsFlag) {
				keep, _ := cmd.Flags().GetBool(keepSurvivorsFlag)
				config.KeepSurvivors = &keep
			}
			return run(config)
		},
	}
	cmd.Flags().AddFlagSet(flags)
	// Not bound to the configuration, so that leaving it out keeps the default of the opposite of launch.
	cmd.Flags().Bool(keepSurvivorsFlag, false, "leave instances alive at the end instead of terminating them")
	return cmd
}

func runFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flags.String("authToken", "", "cloud auth token (also BATCHRUNNER_AUTHTOKEN or NCS_AUTH_TOKEN)")
	flags.String("jobName", "", "job name, used as the prefix of the event log")
	flags.String("outDataDir", "", "output directory")
	flags.Int("startFrame", 1, "first frame number")
	flags.Int("endFrame", 1, "last frame number")
	flags.Int("frameStep", 1, "frame number increment")
	flags.Duration("timeLimit", 0, "time limit of the whole job")
	flags.Duration("frameTimeLimit", 0, "time limit of a single frame")
	flags.Duration("instTimeLimit", 0, "time limit of preparing an instance")
	flags.Duration("deadlineGrace", 0, "how long cleanup may run past the deadline")
	flags.Int("nWorkers", 0, "fixed number of workers, 0 to size the pool automatically")
	flags.Float64("autoscaleInit", 1, "initial workers per frame")
	flags.Float64("autoscaleMin", 1, "workers per unfinished frame below which more are recruited")
	flags.Float64("autoscaleMax", 1, "workers per unfinished frame above which workers retire")
	flags.Bool("limitOneFramePerWorker", false, "let each worker finish at most one frame")
	flags.Bool("launch", true, "launch instances, rather than use those listed in instancesFile")
	flags.String("instancesFile", "", "JSON file of instances to use when not launching")
	flags.String("commonInFilePath", "", "file or directory uploaded to every instance")
	flags.String("filter", "", "device filter, as JSON or YAML")
	flags.Bool("encryptFiles", true, "ask the cloud for encrypted instance storage")
	flags.Int("installParallelism", 0, "instances prepared concurrently")
	flags.Uint16("metricsPort", 0, "port to serve prometheus metrics on, 0 to disable")
	flags.String("ssh.clientKeyName", "", "name of an ssh client key already uploaded to the cloud")
	flags.String("ssh.publicKeyFile", "", "ssh public key uploaded for the run")
	flags.String("ssh.knownHostsFile", "", "known_hosts file instance host keys are managed in")
	flags.String("cloud.url", "", "cloud API base url")
	flags.String("processor.type", "", "frame processor, one of "+strings.Join(processor.Types(), ", "))
	flags.String("logging.level", "", "log level")
	flags.String("logging.format", "", "log format, text or json")
	return flags
}

func run(config configuration.BatchRunnerConfiguration) error {
	if err := common.ConfigureLogging(config.Logging); err != nil {
		return &batcherrors.ErrInvalidArgument{Name: "logging", Value: config.Logging.Level, Message: err.Error()}
	}
	if err := configuration.ValidateBatchRunnerConfiguration(config); err != nil {
		return &exitError{code: batcherrors.ExitCodeFromError(err), err: err}
	}

	if config.MetricsPort > 0 {
		log.AddHook(promrus.MustNewPrometheusHook())
		shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
		defer shutdownMetricServer()
	}

	shutdown := signals.CreateShutdown(context.Background())
	defer shutdown.Close()
	ctx := batchcontext.New(shutdown.Ctx, log.WithField("jobName", config.JobName))

	start := time.Now()
	exitCode, err := batchrunner.StartUp(config).Run(ctx, shutdown.Stop())
	ctx.Log.Infof("batch run ended with status %d after %s", exitCode, time.Since(start).Round(time.Second))
	if exitCode == batcherrors.ExitSuccess {
		return nil
	}
	return &exitError{code: exitCode, err: err}
}
