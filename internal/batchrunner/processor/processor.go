package processor

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
	"github.com/neocortix/ncscli-sub000/internal/common/config"
)

// FrameProcessor supplies the job specific commands run on instances.
type FrameProcessor interface {
	// InstallerCmd returns the command that prepares a freshly recruited instance, if one is needed.
	InstallerCmd() (string, bool)
	// FrameCmd returns the command that computes a frame and writes its output into the remote home directory.
	FrameCmd(frameNum int) string
	// FrameOutFileName is the file or directory, relative to the remote home directory, holding the frame's output.
	FrameOutFileName(frameNum int) string
}

// ProgressParser is implemented by processors whose frame commands report their progress on stdout.
type ProgressParser interface {
	// ParseProgress returns the fraction of the frame completed, if the line reports it.
	ParseProgress(line string) (float64, bool)
}

// OutputFilter is implemented by processors whose frame commands print lines not worth keeping in the event log.
type OutputFilter interface {
	Quiet(line string) bool
}

type Factory func(params map[string]interface{}) (FrameProcessor, error)

var factories = map[string]Factory{
	"hostname": newHostname,
	"command":  newCommand,
	"k6":       newK6,
	"jmeter":   newJMeter,
	"gatling":  newGatling,
	"ping":     newPing,
	"binary":   newBinary,
	"python":   newPython,
	"blender":  newBlender,
	"download": newDownload,
}

// New creates the processor registered under processorType, configured from params.
func New(processorType string, params map[string]interface{}) (FrameProcessor, error) {
	factory, ok := factories[processorType]
	if !ok {
		return nil, errors.WithStack(&batcherrors.ErrInvalidArgument{
			Name:    "processor.type",
			Value:   processorType,
			Message: fmt.Sprintf("must be one of %s", strings.Join(Types(), ", ")),
		})
	}
	return factory(params)
}

// Types returns the registered processor types, sorted.
func Types() []string {
	types := maps.Keys(factories)
	slices.Sort(types)
	return types
}

// decodeParams fills target, which already holds the defaults, from params. Unknown keys are an error.
func decodeParams(processorType string, params map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			config.SecondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := decoder.Decode(params); err != nil {
		return errors.WithStack(&batcherrors.ErrInvalidArgument{
			Name:    "processor.params",
			Value:   params,
			Message: fmt.Sprintf("invalid parameters for %s processor: %s", processorType, err),
		})
	}
	return nil
}

func requireParam(processorType string, name string, value string) error {
	if value != "" {
		return nil
	}
	return errors.WithStack(&batcherrors.ErrInvalidArgument{
		Name:    "processor.params." + name,
		Value:   value,
		Message: fmt.Sprintf("required by the %s processor", processorType),
	})
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// expandPattern replaces the run of '#' characters in pattern with the zero padded frame number.
func expandPattern(pattern string, frameNum int) string {
	start := strings.Index(pattern, "#")
	if start < 0 {
		return pattern
	}
	end := start
	for end < len(pattern) && pattern[end] == '#' {
		end++
	}
	return pattern[:start] + fmt.Sprintf("%0*d", end-start, frameNum) + pattern[end:]
}

func defaultOutFileName(frameNum int) string {
	return fmt.Sprintf("frame_%d.out", frameNum)
}
