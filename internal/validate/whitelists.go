package validate

var videoCodecs = set("h264", "h265", "vp8", "vp9", "av1", "mpeg4", "prores")
var audioCodecs = set("aac", "mp3", "opus", "vorbis", "flac", "pcm_s16le")
var presets = set("ultrafast", "superfast", "veryfast", "faster", "fast", "medium", "slow", "slower", "veryslow", "placebo")
var pixelFormats = set("yuv420p", "yuv422p", "yuv444p", "nv12", "rgb24")
var hwAccels = set("none", "auto", "nvenc", "qsv", "videotoolbox", "vaapi")
var scaleAlgorithms = set("lanczos", "bicubic", "bilinear", "neighbor", "area", "fast_bilinear")
var watermarkPositions = set("top-left", "top-right", "bottom-left", "bottom-right", "center")
var filterNames = set("sharpen", "blur", "denoise", "grayscale", "sepia", "vignette")
var thumbnailModes = set("single", "multiple", "best", "sprite")
var concatModes = set("demuxer", "filter")
var streamFormats = set("hls", "dash")
var sampleRates = map[int]struct{}{8000: {}, 11025: {}, 16000: {}, 22050: {}, 32000: {}, 44100: {}, 48000: {}, 96000: {}}
var channelCounts = map[int]struct{}{1: {}, 2: {}, 6: {}, 8: {}}

// codecContainerCompat maps a container format to the codecs it may carry.
var codecContainerCompat = map[string]map[string]struct{}{
	"mp4":  set("h264", "h265", "aac", "mp3"),
	"mov":  set("h264", "h265", "prores", "aac", "pcm_s16le"),
	"webm": set("vp8", "vp9", "opus", "vorbis"),
	"mkv":  set("h264", "h265", "vp8", "vp9", "av1", "aac", "opus", "flac"),
	"ts":   set("h264", "h265", "aac", "mp3"),
}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func in(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}
