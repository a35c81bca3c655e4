package configuration

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
	commonconfig "github.com/neocortix/ncscli-sub000/internal/common/config"
)

// ValidateBatchRunnerConfiguration rejects configurations that cannot produce a run.
// All problems found are returned together, none of them having launched anything.
func ValidateBatchRunnerConfiguration(config BatchRunnerConfiguration) error {
	var result *multierror.Error

	if err := commonconfig.Validate(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldError := range validationErrors {
				result = multierror.Append(result, &batcherrors.ErrInvalidArgument{
					Name:    fieldError.Namespace(),
					Value:   fieldError.Value(),
					Message: "failed " + fieldError.Tag() + " check",
				})
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	if config.AuthToken == "" {
		result = multierror.Append(result, &batcherrors.ErrInvalidArgument{
			Name:    "authToken",
			Value:   "",
			Message: "an auth token must be given via config, --authToken, BATCHRUNNER_AUTHTOKEN or NCS_AUTH_TOKEN",
		})
	}
	if config.EndFrame < config.StartFrame {
		result = multierror.Append(result, &batcherrors.ErrInvalidArgument{
			Name:    "endFrame",
			Value:   config.EndFrame,
			Message: "the frame range is empty",
		})
	}
	positive := map[string]time.Duration{
		"timeLimit":      config.TimeLimit,
		"frameTimeLimit": config.FrameTimeLimit,
		"instTimeLimit":  config.InstTimeLimit,
	}
	for name, value := range positive {
		if value <= 0 {
			result = multierror.Append(result, &batcherrors.ErrInvalidArgument{Name: name, Value: value, Message: "must be positive"})
		}
	}
	if config.AutomaticSizing() {
		// A zero init or min ratio is allowed: the pool then starts empty or never grows on demand.
		if config.AutoscaleInit < 0 || config.AutoscaleMin < 0 {
			result = multierror.Append(result, &batcherrors.ErrInvalidArgument{
				Name:    "autoscale",
				Value:   []float64{config.AutoscaleInit, config.AutoscaleMin},
				Message: "autoscaleInit and autoscaleMin must not be negative",
			})
		}
		if config.AutoscaleMax <= 0 {
			result = multierror.Append(result, &batcherrors.ErrInvalidArgument{
				Name:    "autoscaleMax",
				Value:   config.AutoscaleMax,
				Message: "must be positive",
			})
		} else if config.AutoscaleMin > config.AutoscaleMax {
			result = multierror.Append(result, &batcherrors.ErrInvalidArgument{
				Name:    "autoscaleMin",
				Value:   config.AutoscaleMin,
				Message: "must not exceed autoscaleMax",
			})
		}
	}
	if config.CommonInFilePath != "" {
		if _, err := os.Stat(config.CommonInFilePath); err != nil {
			result = multierror.Append(result, &batcherrors.ErrNotFound{
				Type:    "file",
				Value:   config.CommonInFilePath,
				Message: "commonInFilePath must exist",
			})
		}
	}
	return result.ErrorOrNil()
}

// Normalize fills derived defaults and resolves paths. It must run before validation.
func Normalize(config *BatchRunnerConfiguration) error {
	if config.AuthToken == "" {
		config.AuthToken = os.Getenv("NCS_AUTH_TOKEN")
	}
	if config.FrameTimeLimit > config.TimeLimit && config.TimeLimit > 0 {
		log.Warnf("frameTimeLimit (%s) exceeds timeLimit (%s); using timeLimit", config.FrameTimeLimit, config.TimeLimit)
		config.FrameTimeLimit = config.TimeLimit
	}
	if config.Filter == nil {
		config.Filter = map[string]interface{}{}
	}
	if config.InstancesFile == "" {
		config.InstancesFile = filepath.Join(config.OutDataDir, "survivingInstances.json")
	}
	if config.Processor.Params == nil {
		config.Processor.Params = map[string]interface{}{}
	}

	var err error
	if config.Ssh.PublicKeyFile, err = homedir.Expand(config.Ssh.PublicKeyFile); err != nil {
		return errors.Wrap(err, "error expanding ssh.publicKeyFile")
	}
	if config.Ssh.KnownHostsFile, err = homedir.Expand(config.Ssh.KnownHostsFile); err != nil {
		return errors.Wrap(err, "error expanding ssh.knownHostsFile")
	}
	if config.CommonInFilePath, err = homedir.Expand(config.CommonInFilePath); err != nil {
		return errors.Wrap(err, "error expanding commonInFilePath")
	}
	if config.InstancesFile, err = homedir.Expand(config.InstancesFile); err != nil {
		return errors.Wrap(err, "error expanding instancesFile")
	}
	return nil
}
