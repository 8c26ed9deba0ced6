// Package command implements the Command Builder (C3): it turns a
// validated Operation list and Options into an argument vector for the
// external media toolchain. It never constructs a shell string; arguments
// are always a vector, and the tool is invoked directly.
package command

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jamesross/mediaforge/internal/hwaccel"
	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// Pass carries the argv for one subprocess invocation. Two-pass encoding
// produces two passes sharing a temp log-file prefix; everything else
// produces exactly one.
type Pass struct {
	Args []string
}

// BuiltCommand is the Command Builder's output.
type BuiltCommand struct {
	Passes       []Pass
	TwoPass      bool
	PassLogPrefix string
}

var metaSanitizer = strings.NewReplacer(
	"|", "_", ";", "_", "&", "_", "$", "_", "`", "_", "<", "_", ">", "_",
	"\"", "_", "'", "_", "\\", "_", "\n", "_", "\r", "_", "\t", "_",
)

func sanitizeMetadata(v string) string {
	s := metaSanitizer.Replace(v)
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}

var faststartContainers = map[string]bool{"mp4": true, "mov": true}

// Build renders ops/opts into one or two subprocess passes. inputPath and
// outputPath are already-resolved local filesystem paths (the worker has
// already downloaded the input and reserves a temp path for the output);
// caps is the capability map discovered once at worker startup.
func Build(ops []job.Operation, opts job.Options, inputPath, outputPath string, caps hwaccel.Capabilities, passLogPrefix string) (BuiltCommand, error) {
	if err := reValidate(ops); err != nil {
		return BuiltCommand{}, err
	}

	if len(ops) == 1 && ops[0].Type == job.OpConcat {
		args, err := buildConcat(ops[0].Params.(job.ConcatParams), opts, outputPath)
		if err != nil {
			return BuiltCommand{}, err
		}
		return BuiltCommand{Passes: []Pass{{Args: args}}}, nil
	}

	b := &builder{caps: caps}
	for _, op := range ops {
		if err := b.apply(op); err != nil {
			return BuiltCommand{}, err
		}
	}

	base := []string{"-y", "-i", inputPath}
	base = append(base, b.inlineArgs...)
	if vf := b.videoFilters; len(vf) > 0 {
		base = append(base, "-vf", strings.Join(vf, ","))
	}
	if af := b.audioFilters; len(af) > 0 {
		base = append(base, "-af", strings.Join(af, ","))
	}
	for k, v := range opts.Metadata {
		base = append(base, "-metadata", fmt.Sprintf("%s=%s", sanitizeMetadata(k), sanitizeMetadata(v)))
	}
	if opts.Threads > 0 {
		base = append(base, "-threads", fmt.Sprintf("%d", opts.Threads))
	}

	container := strings.ToLower(opts.Container)
	if faststartContainers[container] {
		base = append(base, "-movflags", "+faststart")
	}

	if !opts.TwoPass {
		args := append(append([]string{}, base...), outputPath)
		return BuiltCommand{Passes: []Pass{{Args: args}}}, nil
	}

	pass1 := append(append([]string{}, base...), "-pass", "1", "-passlogfile", passLogPrefix, "-f", "null", devNull())
	pass2 := append(append([]string{}, base...), "-pass", "2", "-passlogfile", passLogPrefix, outputPath)
	return BuiltCommand{Passes: []Pass{{Args: pass1}, {Args: pass2}}, TwoPass: true, PassLogPrefix: passLogPrefix}, nil
}

func devNull() string {
	return filepath.FromSlash("/dev/null")
}

// reValidate is defense in depth: any invalid input here indicates a bug in
// the Validator, not a malicious submission.
func reValidate(ops []job.Operation) error {
	if len(ops) == 0 {
		return mediaerr.Internal("command builder received an empty operation list", nil)
	}
	hasConcat := false
	for _, op := range ops {
		if op.Type == job.OpConcat {
			hasConcat = true
		}
	}
	if hasConcat && len(ops) > 1 {
		return mediaerr.Internal("command builder received concat mixed with other operations", nil)
	}
	return nil
}

type builder struct {
	caps         hwaccel.Capabilities
	videoFilters []string
	audioFilters []string
	inlineArgs   []string
	watermarkIdx int
}

func (b *builder) apply(op job.Operation) error {
	switch p := op.Params.(type) {
	case job.TranscodeParams:
		return b.applyTranscode(p)
	case job.TrimParams:
		return b.applyTrim(p)
	case job.ScaleParams:
		b.videoFilters = append(b.videoFilters, buildScaleFilter(p))
		return nil
	case job.WatermarkParams:
		return b.applyWatermark(p)
	case job.FilterParams:
		return b.applyFilter(p)
	case job.CropParams:
		b.videoFilters = append(b.videoFilters, fmt.Sprintf("crop=%d:%d:%d:%d", p.Width, p.Height, p.X, p.Y))
		return nil
	case job.RotateParams:
		b.videoFilters = append(b.videoFilters, rotateFilter(p.Degrees))
		return nil
	case job.FlipParams:
		if p.Axis == "horizontal" {
			b.videoFilters = append(b.videoFilters, "hflip")
		} else {
			b.videoFilters = append(b.videoFilters, "vflip")
		}
		return nil
	case job.AudioParams:
		return b.applyAudio(p)
	case job.SubtitleParams:
		return b.applySubtitle(p)
	case job.ThumbnailParams:
		return b.applyThumbnail(p)
	case job.StreamParams:
		return b.applyStream(p)
	case job.ConcatParams:
		// Handled by the concat fast path in Build; unreachable here
		// because reValidate rejects concat mixed with other ops.
		return mediaerr.Internal("concat must not reach the generic builder path", nil)
	default:
		return mediaerr.Internal(fmt.Sprintf("unhandled operation params type %T", p), nil)
	}
}

func (b *builder) applyTranscode(p job.TranscodeParams) error {
	if p.VideoCodec != "" {
		codec := p.VideoCodec
		if p.HardwareAcceleration != "none" {
			if hw := hwaccel.BestEncoder(b.caps, hwCandidatesFor(p.VideoCodec)...); hw != "" {
				codec = hw
			}
		}
		b.inlineArgs = append(b.inlineArgs, "-c:v", codec)
	}
	if p.AudioCodec != "" {
		b.inlineArgs = append(b.inlineArgs, "-c:a", p.AudioCodec)
	}
	if p.Preset != "" {
		b.inlineArgs = append(b.inlineArgs, "-preset", p.Preset)
	}
	if p.CRF != nil {
		b.inlineArgs = append(b.inlineArgs, "-crf", fmt.Sprintf("%d", *p.CRF))
	}
	if p.VideoBitrate != "" {
		b.inlineArgs = append(b.inlineArgs, "-b:v", p.VideoBitrate)
	}
	if p.AudioBitrate != "" {
		b.inlineArgs = append(b.inlineArgs, "-b:a", p.AudioBitrate)
	}
	if p.Width != nil && p.Height != nil {
		b.videoFilters = append(b.videoFilters, fmt.Sprintf("scale=%d:%d", *p.Width, *p.Height))
	}
	if p.FPS != nil {
		b.inlineArgs = append(b.inlineArgs, "-r", fmt.Sprintf("%d", *p.FPS))
	}
	if p.Profile != "" {
		b.inlineArgs = append(b.inlineArgs, "-profile:v", p.Profile)
	}
	if p.Level != "" {
		b.inlineArgs = append(b.inlineArgs, "-level", p.Level)
	}
	if p.Tune != "" {
		b.inlineArgs = append(b.inlineArgs, "-tune", p.Tune)
	}
	if p.PixelFormat != "" {
		b.inlineArgs = append(b.inlineArgs, "-pix_fmt", p.PixelFormat)
	}
	if p.GOPSize != nil {
		b.inlineArgs = append(b.inlineArgs, "-g", fmt.Sprintf("%d", *p.GOPSize))
	}
	if p.BFrames != nil {
		b.inlineArgs = append(b.inlineArgs, "-bf", fmt.Sprintf("%d", *p.BFrames))
	}
	return nil
}

func hwCandidatesFor(codec string) []string {
	switch codec {
	case "h264":
		return []string{"h264_nvenc", "h264_qsv", "h264_videotoolbox", "h264_vaapi"}
	case "h265":
		return []string{"hevc_nvenc", "hevc_qsv", "hevc_videotoolbox", "hevc_vaapi"}
	default:
		return nil
	}
}

func (b *builder) applyTrim(p job.TrimParams) error {
	if p.Start != "" {
		b.inlineArgs = append(b.inlineArgs, "-ss", p.Start)
	}
	if p.Duration != "" {
		b.inlineArgs = append(b.inlineArgs, "-t", p.Duration)
	} else if p.End != "" {
		b.inlineArgs = append(b.inlineArgs, "-to", p.End)
	}
	return nil
}

func buildScaleFilter(p job.ScaleParams) string {
	w, h := p.Width, p.Height
	if w == "" {
		w = "-1"
	}
	if h == "" {
		h = "-1"
	}
	algo := p.Algorithm
	if algo == "" {
		algo = "bicubic"
	}
	return fmt.Sprintf("scale=%s:%s:flags=%s", w, h, algo)
}

func rotateFilter(degrees int) string {
	switch degrees {
	case 90:
		return "transpose=1"
	case 180:
		return "transpose=2,transpose=2"
	case 270:
		return "transpose=2"
	default:
		return ""
	}
}

func (b *builder) applyWatermark(p job.WatermarkParams) error {
	pos := overlayPosition(p.Position)
	opacity := p.Opacity
	if opacity == 0 {
		opacity = 1
	}
	filter := fmt.Sprintf("overlay=%s:alpha=%.3f", pos, opacity)
	b.videoFilters = append(b.videoFilters, filter)
	b.inlineArgs = append(b.inlineArgs, "-i", p.Image)
	return nil
}

func overlayPosition(pos string) string {
	switch pos {
	case "top-left":
		return "0:0"
	case "top-right":
		return "main_w-overlay_w:0"
	case "bottom-left":
		return "0:main_h-overlay_h"
	case "bottom-right":
		return "main_w-overlay_w:main_h-overlay_h"
	default:
		return "(main_w-overlay_w)/2:(main_h-overlay_h)/2"
	}
}

func (b *builder) applyFilter(p job.FilterParams) error {
	switch p.Name {
	case "grayscale":
		b.videoFilters = append(b.videoFilters, "hue=s=0")
	case "sepia":
		b.videoFilters = append(b.videoFilters, "colorchannelmixer=.393:.769:.189:0:.349:.686:.168:0:.272:.534:.131")
	case "sharpen":
		b.videoFilters = append(b.videoFilters, "unsharp")
	case "blur":
		b.videoFilters = append(b.videoFilters, "boxblur=2:1")
	case "denoise":
		b.videoFilters = append(b.videoFilters, "hqdn3d")
	case "vignette":
		b.videoFilters = append(b.videoFilters, "vignette")
	}
	if p.Brightness != 0 || p.Contrast != 0 || p.Saturation != 0 {
		contrast := p.Contrast
		if contrast == 0 {
			contrast = 1
		}
		saturation := p.Saturation
		if saturation == 0 {
			saturation = 1
		}
		b.videoFilters = append(b.videoFilters, fmt.Sprintf("eq=brightness=%.3f:contrast=%.3f:saturation=%.3f", p.Brightness, contrast, saturation))
	}
	if p.Speed != 0 && p.Speed != 1 {
		b.videoFilters = append(b.videoFilters, fmt.Sprintf("setpts=%.6f*PTS", 1/p.Speed))
		b.audioFilters = append(b.audioFilters, atempoChain(p.Speed)...)
	}
	return nil
}

// atempoChain expresses a speed factor outside atempo's native 0.5..2.0
// range as a chain of filters each within range.
func atempoChain(speed float64) []string {
	var chain []string
	remaining := speed
	for remaining > 2.0 {
		chain = append(chain, "atempo=2.0")
		remaining /= 2.0
	}
	for remaining < 0.5 {
		chain = append(chain, "atempo=0.5")
		remaining /= 0.5
	}
	chain = append(chain, fmt.Sprintf("atempo=%.4f", remaining))
	return chain
}

func (b *builder) applyAudio(p job.AudioParams) error {
	if p.Volume != "" {
		b.audioFilters = append(b.audioFilters, fmt.Sprintf("volume=%s", p.Volume))
	}
	if p.SampleRate != nil {
		b.inlineArgs = append(b.inlineArgs, "-ar", fmt.Sprintf("%d", *p.SampleRate))
	}
	if p.Channels != nil {
		b.inlineArgs = append(b.inlineArgs, "-ac", fmt.Sprintf("%d", *p.Channels))
	}
	return nil
}

func (b *builder) applySubtitle(p job.SubtitleParams) error {
	if p.Burn {
		b.videoFilters = append(b.videoFilters, fmt.Sprintf("subtitles=%s", p.Path))
	} else {
		b.inlineArgs = append(b.inlineArgs, "-i", p.Path, "-c:s", "mov_text")
	}
	return nil
}

func (b *builder) applyThumbnail(p job.ThumbnailParams) error {
	switch p.Mode {
	case "single", "best":
		b.inlineArgs = append(b.inlineArgs, "-vframes", "1")
	case "multiple", "sprite":
		if p.Count > 0 {
			b.videoFilters = append(b.videoFilters, fmt.Sprintf("fps=1/%d", p.Count))
		}
	}
	if p.Width > 0 && p.Height > 0 {
		b.videoFilters = append(b.videoFilters, fmt.Sprintf("scale=%d:%d", p.Width, p.Height))
	}
	if p.Quality > 0 {
		b.inlineArgs = append(b.inlineArgs, "-q:v", fmt.Sprintf("%d", p.Quality))
	}
	return nil
}

func (b *builder) applyStream(p job.StreamParams) error {
	switch p.Format {
	case "hls":
		b.inlineArgs = append(b.inlineArgs, "-f", "hls")
	case "dash":
		b.inlineArgs = append(b.inlineArgs, "-f", "dash")
	}
	for i, v := range p.Variants {
		b.inlineArgs = append(b.inlineArgs, fmt.Sprintf("-b:v:%d", i), v.Bitrate)
	}
	return nil
}

func buildConcat(p job.ConcatParams, opts job.Options, outputPath string) ([]string, error) {
	if p.Mode == "filter" {
		args := []string{"-y"}
		for _, in := range p.Inputs {
			args = append(args, "-i", in)
		}
		n := len(p.Inputs)
		filter := fmt.Sprintf("concat=n=%d:v=1:a=1", n)
		args = append(args, "-filter_complex", filter, outputPath)
		return args, nil
	}
	// demuxer mode: caller supplies a generated concat list file path via
	// the first "input" slot by convention of the worker, which writes
	// the list to a temp file before invoking the builder.
	listFile := p.Inputs[0]
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", outputPath}
	return args, nil
}
