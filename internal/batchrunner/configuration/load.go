package configuration

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/neocortix/ncscli-sub000/internal/common"
)

// Load layers the embedded defaults, the given config files, the environment and bound flags,
// then normalizes the result. Validation is left to the caller.
func Load(userSpecified []string) (BatchRunnerConfiguration, error) {
	var config BatchRunnerConfiguration
	// Not part of the defaults, so that an unset value can mean the opposite of launch.
	if err := viper.BindEnv("keepSurvivors", "BATCHRUNNER_KEEPSURVIVORS"); err != nil {
		return config, errors.WithStack(err)
	}
	if _, err := common.LoadConfig(&config, Defaults, userSpecified); err != nil {
		return config, err
	}
	if err := Normalize(&config); err != nil {
		return config, err
	}
	return config, nil
}

// Settings is the resolved configuration as recorded in settings.json.
// Durations are given in seconds and the auth token is never included.
func (c BatchRunnerConfiguration) Settings() map[string]interface{} {
	return map[string]interface{}{
		"jobName":                c.JobName,
		"outDataDir":             c.OutDataDir,
		"startFrame":             c.StartFrame,
		"endFrame":               c.EndFrame,
		"frameStep":              c.FrameStep,
		"timeLimit":              c.TimeLimit.Seconds(),
		"frameTimeLimit":         c.FrameTimeLimit.Seconds(),
		"instTimeLimit":          c.InstTimeLimit.Seconds(),
		"deadlineGrace":          c.DeadlineGrace.Seconds(),
		"nWorkers":               c.NWorkers,
		"autoscaleInit":          c.AutoscaleInit,
		"autoscaleMin":           c.AutoscaleMin,
		"autoscaleMax":           c.AutoscaleMax,
		"limitOneFramePerWorker": c.LimitOneFramePerWorker,
		"launch":                 c.Launch,
		"keepSurvivors":          c.ShouldKeepSurvivors(),
		"instancesFile":          c.InstancesFile,
		"commonInFilePath":       c.CommonInFilePath,
		"filter":                 c.Filter,
		"encryptFiles":           c.EncryptFiles,
		"sshClientKeyName":       c.Ssh.ClientKeyName,
		"processorType":          c.Processor.Type,
		"processorParams":        c.Processor.Params,
	}
}
