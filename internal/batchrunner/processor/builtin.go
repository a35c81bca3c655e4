package processor

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"

	"github.com/neocortix/ncscli-sub000/internal/common/batcherrors"
)

// Hostname writes each instance's hostname as the frame output. It needs no installer.
type Hostname struct{}

func newHostname(params map[string]interface{}) (FrameProcessor, error) {
	if err := decodeParams("hostname", params, &struct{}{}); err != nil {
		return nil, err
	}
	return Hostname{}, nil
}

func (Hostname) InstallerCmd() (string, bool) { return "", false }

func (Hostname) FrameOutFileName(frameNum int) string { return defaultOutFileName(frameNum) }

func (p Hostname) FrameCmd(frameNum int) string {
	return "hostname > " + p.FrameOutFileName(frameNum)
}

// Command runs operator supplied command templates. Templates see the frame number as .FrameNum.
type Command struct {
	installer string
	frameCmd  *template.Template
	outFile   *template.Template
}

type commandParams struct {
	Installer string
	FrameCmd  string
	OutFile   string
}

func newCommand(params map[string]interface{}) (FrameProcessor, error) {
	p := commandParams{OutFile: "frame_{{.FrameNum}}.out"}
	if err := decodeParams("command", params, &p); err != nil {
		return nil, err
	}
	if err := requireParam("command", "frameCmd", p.FrameCmd); err != nil {
		return nil, err
	}
	frameCmd, err := parseTemplate("frameCmd", p.FrameCmd)
	if err != nil {
		return nil, err
	}
	outFile, err := parseTemplate("outFile", p.OutFile)
	if err != nil {
		return nil, err
	}
	return &Command{installer: p.Installer, frameCmd: frameCmd, outFile: outFile}, nil
}

func parseTemplate(name string, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, errors.WithStack(&batcherrors.ErrInvalidArgument{
			Name:    "processor.params." + name,
			Value:   text,
			Message: err.Error(),
		})
	}
	// Catch references to fields that do not exist before any instance is launched.
	if _, err := execute(tmpl, 1); err != nil {
		return nil, errors.WithStack(&batcherrors.ErrInvalidArgument{
			Name:    "processor.params." + name,
			Value:   text,
			Message: err.Error(),
		})
	}
	return tmpl, nil
}

func execute(tmpl *template.Template, frameNum int) (string, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct{ FrameNum int }{FrameNum: frameNum})
	return buf.String(), err
}

func (c *Command) InstallerCmd() (string, bool) {
	return c.installer, c.installer != ""
}

func (c *Command) FrameCmd(frameNum int) string {
	// Templates were test executed on creation.
	cmd, _ := execute(c.frameCmd, frameNum)
	return cmd
}

func (c *Command) FrameOutFileName(frameNum int) string {
	name, _ := execute(c.outFile, frameNum)
	return name
}

// K6 runs a k6 script uploaded in WorkerDir, writing csv and json results.
type K6 struct {
	Vus       int
	Duration  time.Duration
	WorkerDir string
	Script    string
}

func newK6(params map[string]interface{}) (FrameProcessor, error) {
	p := &K6{Vus: 6, Duration: 90 * time.Second, WorkerDir: "k6Worker", Script: "script.js"}
	return p, decodeParams("k6", params, p)
}

func (p *K6) InstallerCmd() (string, bool) { return "", false }

func (p *K6) FrameOutFileName(frameNum int) string {
	return fmt.Sprintf("worker_%03d.*", frameNum)
}

func (p *K6) FrameCmd(frameNum int) string {
	return fmt.Sprintf("cd %s && ./k6 run -q %s --vus %d --duration %.1fs --out csv=~/worker_%03d.csv --out json=~/worker_%03d.json",
		p.WorkerDir, p.Script, p.Vus, p.Duration.Seconds(), frameNum, frameNum)
}

// JMeter runs a test plan in non-gui mode after installing a JRE and JMeter.
type JMeter struct {
	TestPlan string
	Version  string
}

func newJMeter(params map[string]interface{}) (FrameProcessor, error) {
	p := &JMeter{Version: "5.3"}
	if err := decodeParams("jmeter", params, p); err != nil {
		return nil, err
	}
	return p, requireParam("jmeter", "testPlan", p.TestPlan)
}

func (p *JMeter) InstallerCmd() (string, bool) {
	return fmt.Sprintf("apt-get -qq update && apt-get -qq -y install openjdk-11-jdk-headless > /dev/null"+
		" && curl -L https://downloads.apache.org//jmeter/binaries/apache-jmeter-%[1]s.tgz > apache-jmeter-%[1]s.tgz"+
		" && tar zxf apache-jmeter-%[1]s.tgz", p.Version), true
}

func (p *JMeter) FrameOutFileName(frameNum int) string {
	return fmt.Sprintf("TestPlan_results_%03d.csv", frameNum)
}

func (p *JMeter) FrameCmd(frameNum int) string {
	return fmt.Sprintf("date && apache-jmeter-%s/bin/jmeter -n -t %s -l %s"+
		" -D httpclient4.time_to_live=20000 -D httpclient.reset_state_on_thread_group_iteration=true",
		p.Version, p.TestPlan, p.FrameOutFileName(frameNum))
}

// Gatling runs a simulation from the uploaded gatlingWorker directory.
type Gatling struct {
	Simulation string
	Installer  string
	Bundle     string
}

func newGatling(params map[string]interface{}) (FrameProcessor, error) {
	p := &Gatling{
		Simulation: "neocortix.ncsSim",
		Installer:  "gatlingWorker/install.sh",
		Bundle:     "gatling-charts-highcharts-bundle-3.4.0",
	}
	return p, decodeParams("gatling", params, p)
}

func (p *Gatling) InstallerCmd() (string, bool) {
	return p.Installer, p.Installer != ""
}

func (p *Gatling) FrameOutFileName(frameNum int) string {
	return fmt.Sprintf("gatlingResults_%03d/", frameNum)
}

func (p *Gatling) FrameCmd(frameNum int) string {
	return fmt.Sprintf("~/%s/bin/gatling.sh -nr --simulation %s -sf ~/gatlingWorker -rf ~/gatlingResults_%03d",
		p.Bundle, p.Simulation, frameNum)
}

// Ping measures round trips from each instance to TargetHost.
type Ping struct {
	TargetHost string
	Count      int
	TimeLimit  time.Duration
	Interval   time.Duration
}

func newPing(params map[string]interface{}) (FrameProcessor, error) {
	p := &Ping{TargetHost: "neocortix.com", Count: 3, TimeLimit: 60 * time.Second, Interval: 5 * time.Second}
	return p, decodeParams("ping", params, p)
}

func (p *Ping) InstallerCmd() (string, bool) { return "", false }

func (p *Ping) FrameOutFileName(frameNum int) string { return defaultOutFileName(frameNum) }

func (p *Ping) FrameCmd(frameNum int) string {
	return fmt.Sprintf("ping %s -U -D -c %d -w %s -i %s > %s",
		p.TargetHost, p.Count, seconds(p.TimeLimit), seconds(p.Interval), p.FrameOutFileName(frameNum))
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Binary runs an uploaded executable with the frame number as its argument.
type Binary struct {
	Binary string
}

func newBinary(params map[string]interface{}) (FrameProcessor, error) {
	p := &Binary{}
	if err := decodeParams("binary", params, p); err != nil {
		return nil, err
	}
	return p, requireParam("binary", "binary", p.Binary)
}

func (p *Binary) InstallerCmd() (string, bool) { return "", false }

func (p *Binary) FrameOutFileName(frameNum int) string { return defaultOutFileName(frameNum) }

func (p *Binary) FrameCmd(frameNum int) string {
	return fmt.Sprintf("./%s %d > %s", p.Binary, frameNum, p.FrameOutFileName(frameNum))
}

// Python runs an uploaded script with the frame number as its argument.
type Python struct {
	Script         string
	OutFilePattern string
	Installer      string
}

func newPython(params map[string]interface{}) (FrameProcessor, error) {
	p := &Python{
		OutFilePattern: "sine_######.png",
		Installer:      "sudo apt-get -qq -y install python3-matplotlib > /dev/null",
	}
	if err := decodeParams("python", params, p); err != nil {
		return nil, err
	}
	return p, requireParam("python", "script", p.Script)
}

func (p *Python) InstallerCmd() (string, bool) {
	return p.Installer, p.Installer != ""
}

func (p *Python) FrameOutFileName(frameNum int) string {
	return expandPattern(p.OutFilePattern, frameNum)
}

func (p *Python) FrameCmd(frameNum int) string {
	return fmt.Sprintf("python3 %s %d", p.Script, frameNum)
}

var tileProgress = regexp.MustCompile(`Path Tracing Tile ([0-9]+)/([0-9]+)`)

// Blender renders one frame of an uploaded .blend file per frame number.
type Blender struct {
	BlendFile      string
	OutFilePattern string
	FileType       string
	Installer      string
}

func newBlender(params map[string]interface{}) (FrameProcessor, error) {
	p := &Blender{
		OutFilePattern: "rendered_frame_######",
		FileType:       "png",
		Installer:      "sudo apt-get -qq update && sudo apt-get -qq -y install -t buster-backports blender > /dev/null",
	}
	if err := decodeParams("blender", params, p); err != nil {
		return nil, err
	}
	return p, requireParam("blender", "blendFile", p.BlendFile)
}

func (p *Blender) InstallerCmd() (string, bool) {
	return p.Installer, p.Installer != ""
}

func (p *Blender) FrameOutFileName(frameNum int) string {
	return expandPattern(p.OutFilePattern, frameNum) + "." + strings.ToLower(p.FileType)
}

func (p *Blender) FrameCmd(frameNum int) string {
	return fmt.Sprintf("blender -b -noaudio --enable-autoexec %s -o %s.%s --render-format %s -f %d",
		p.BlendFile, p.OutFilePattern, strings.ToLower(p.FileType), strings.ToUpper(p.FileType), frameNum)
}

func (p *Blender) ParseProgress(line string) (float64, bool) {
	match := tileProgress.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	done, err1 := strconv.ParseFloat(match[1], 64)
	total, err2 := strconv.ParseFloat(match[2], 64)
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, false
	}
	return done / total, true
}

func (p *Blender) Quiet(line string) bool {
	return tileProgress.MatchString(line) ||
		strings.Contains(line, "| Updating ") ||
		strings.Contains(line, "| Synchronizing object |")
}

// Download fetches one url per frame. Frame n fetches Urls[n].
type Download struct {
	Urls []string
}

func newDownload(params map[string]interface{}) (FrameProcessor, error) {
	p := &Download{}
	if err := decodeParams("download", params, p); err != nil {
		return nil, err
	}
	if len(p.Urls) == 0 {
		return nil, errors.WithStack(&batcherrors.ErrInvalidArgument{
			Name:    "processor.params.urls",
			Value:   p.Urls,
			Message: "required by the download processor",
		})
	}
	return p, nil
}

func (p *Download) InstallerCmd() (string, bool) { return "", false }

func (p *Download) FrameOutFileName(frameNum int) string { return defaultOutFileName(frameNum) }

func (p *Download) FrameCmd(frameNum int) string {
	if frameNum < 0 || frameNum >= len(p.Urls) {
		return fmt.Sprintf("echo 'no url for frame %d' >&2; exit 1", frameNum)
	}
	return fmt.Sprintf("rm -f frame_*.out && curl -L -s -S --remote-time -o %s %s",
		p.FrameOutFileName(frameNum), shellQuote(p.Urls[frameNum]))
}
