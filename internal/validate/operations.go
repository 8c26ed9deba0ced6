package validate

import (
	"fmt"
	"regexp"

	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
)

func canonicalizeTranscode(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field,
		"video_codec", "audio_codec", "preset", "crf", "video_bitrate", "audio_bitrate",
		"width", "height", "fps", "profile", "level", "tune", "pixel_format",
		"hardware_acceleration", "gop_size", "b_frames", "allow_lossless"); err != nil {
		return nil, err
	}
	p := job.TranscodeParams{}
	if v, ok := strParam(r, "video_codec"); ok {
		if !in(videoCodecs, v) {
			return nil, mediaerr.Validation(field("video_codec"), "not in codec whitelist")
		}
		p.VideoCodec = v
	}
	if v, ok := strParam(r, "audio_codec"); ok {
		if !in(audioCodecs, v) {
			return nil, mediaerr.Validation(field("audio_codec"), "not in codec whitelist")
		}
		p.AudioCodec = v
	}
	if v, ok := strParam(r, "preset"); ok {
		if !in(presets, v) {
			return nil, mediaerr.Validation(field("preset"), "not in preset whitelist")
		}
		p.Preset = v
	}
	p.AllowLossless = boolParam(r, "allow_lossless")
	if v, ok := intParam(r, "crf"); ok {
		if v < 0 || v > 51 {
			return nil, mediaerr.Validation(field("crf"), "crf must be in [0,51]")
		}
		if v < 5 && !p.AllowLossless {
			return nil, mediaerr.Validation(field("crf"), "crf < 5 requires allow_lossless=true")
		}
		p.CRF = &v
	}
	if v, ok := strParam(r, "video_bitrate"); ok {
		if err := parseBitrate(v, field, "video_bitrate"); err != nil {
			return nil, err
		}
		p.VideoBitrate = v
	}
	if v, ok := strParam(r, "audio_bitrate"); ok {
		if err := parseBitrate(v, field, "audio_bitrate"); err != nil {
			return nil, err
		}
		p.AudioBitrate = v
	}
	if v, ok := intParam(r, "width"); ok {
		if v%2 != 0 || v < 32 || v > 7680 {
			return nil, mediaerr.Validation(field("width"), "width must be an even integer in [32,7680]")
		}
		p.Width = &v
	}
	if v, ok := intParam(r, "height"); ok {
		if v%2 != 0 || v < 32 || v > 4320 {
			return nil, mediaerr.Validation(field("height"), "height must be an even integer in [32,4320]")
		}
		p.Height = &v
	}
	if v, ok := intParam(r, "fps"); ok {
		if v < 1 || v > 120 {
			return nil, mediaerr.Validation(field("fps"), "fps must be in [1,120]")
		}
		p.FPS = &v
	}
	if v, ok := strParam(r, "profile"); ok {
		p.Profile = v
	}
	if v, ok := strParam(r, "level"); ok {
		p.Level = v
	}
	if v, ok := strParam(r, "tune"); ok {
		p.Tune = v
	}
	if v, ok := strParam(r, "pixel_format"); ok {
		if !in(pixelFormats, v) {
			return nil, mediaerr.Validation(field("pixel_format"), "not in pixel format whitelist")
		}
		p.PixelFormat = v
	}
	if v, ok := strParam(r, "hardware_acceleration"); ok {
		if !in(hwAccels, v) {
			return nil, mediaerr.Validation(field("hardware_acceleration"), "not in hardware acceleration whitelist")
		}
		p.HardwareAcceleration = v
	}
	if v, ok := intParam(r, "gop_size"); ok {
		if v < 1 || v > 600 {
			return nil, mediaerr.Validation(field("gop_size"), "gop_size must be in [1,600]")
		}
		p.GOPSize = &v
	}
	if v, ok := intParam(r, "b_frames"); ok {
		if v < 0 || v > 16 {
			return nil, mediaerr.Validation(field("b_frames"), "b_frames must be in [0,16]")
		}
		p.BFrames = &v
	}
	return p, nil
}

var timecodeRe = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}(\.\d+)?$`)

func parseDurationField(r job.RawOperation, key string, field func(string) string) (string, error) {
	if f, ok := floatParam(r, key); ok {
		if f < 0 || f > 86400 {
			return "", mediaerr.Validation(field(key), "must be within 0..86400 seconds")
		}
		return fmt.Sprintf("%g", f), nil
	}
	v, ok := strParam(r, key)
	if !ok {
		return "", nil
	}
	if timecodeRe.MatchString(v) {
		return v, nil
	}
	return "", mediaerr.Validation(field(key), "must be seconds or HH:MM:SS[.ms]")
}

func canonicalizeTrim(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "start", "end", "duration"); err != nil {
		return nil, err
	}
	start, err := parseDurationField(r, "start", field)
	if err != nil {
		return nil, err
	}
	end, err := parseDurationField(r, "end", field)
	if err != nil {
		return nil, err
	}
	duration, err := parseDurationField(r, "duration", field)
	if err != nil {
		return nil, err
	}
	if start != "" && end == "" && duration == "" {
		return nil, mediaerr.Validation(field("end"), "end or duration is required when start is set")
	}
	return job.TrimParams{Start: start, End: end, Duration: duration}, nil
}

func canonicalizeScale(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "width", "height", "algorithm"); err != nil {
		return nil, err
	}
	checkDim := func(key string) (string, error) {
		v, ok := r[key]
		if !ok {
			return "", nil
		}
		if s, ok := v.(string); ok {
			if s == "auto" || s == "-1" {
				return s, nil
			}
			return "", mediaerr.Validation(field(key), "must be an even integer, auto, or -1")
		}
		n, ok := intParam(r, key)
		if !ok || n%2 != 0 {
			return "", mediaerr.Validation(field(key), "must be an even integer, auto, or -1")
		}
		return fmt.Sprintf("%d", n), nil
	}
	w, err := checkDim("width")
	if err != nil {
		return nil, err
	}
	h, err := checkDim("height")
	if err != nil {
		return nil, err
	}
	algo, _ := strParam(r, "algorithm")
	if algo != "" && !in(scaleAlgorithms, algo) {
		return nil, mediaerr.Validation(field("algorithm"), "not in scale algorithm whitelist")
	}
	return job.ScaleParams{Width: w, Height: h, Algorithm: algo}, nil
}

func canonicalizeWatermark(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "image", "position", "opacity", "scale"); err != nil {
		return nil, err
	}
	image, ok := strParam(r, "image")
	if !ok || image == "" {
		return nil, mediaerr.Validation(field("image"), "image is required")
	}
	pos, _ := strParam(r, "position")
	if pos != "" && !in(watermarkPositions, pos) {
		return nil, mediaerr.Validation(field("position"), "not in position whitelist")
	}
	opacity, _ := floatParam(r, "opacity")
	if v, ok := r["opacity"]; ok {
		_ = v
		if opacity < 0 || opacity > 1 {
			return nil, mediaerr.Validation(field("opacity"), "opacity must be in [0,1]")
		}
	}
	scale, _ := floatParam(r, "scale")
	return job.WatermarkParams{Image: image, Position: pos, Opacity: opacity, Scale: scale}, nil
}

func canonicalizeFilter(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "name", "brightness", "contrast", "saturation", "speed"); err != nil {
		return nil, err
	}
	name, ok := strParam(r, "name")
	if !ok || !in(filterNames, name) {
		return nil, mediaerr.Validation(field("name"), "not in filter whitelist")
	}
	p := job.FilterParams{Name: name}
	if v, ok := r["brightness"]; ok {
		_ = v
		p.Brightness, _ = floatParam(r, "brightness")
		if p.Brightness < -1 || p.Brightness > 1 {
			return nil, mediaerr.Validation(field("brightness"), "must be in [-1,1]")
		}
	}
	if v, ok := r["contrast"]; ok {
		_ = v
		p.Contrast, _ = floatParam(r, "contrast")
		if p.Contrast < 0 || p.Contrast > 4 {
			return nil, mediaerr.Validation(field("contrast"), "must be in [0,4]")
		}
	}
	if v, ok := r["saturation"]; ok {
		_ = v
		p.Saturation, _ = floatParam(r, "saturation")
		if p.Saturation < 0 || p.Saturation > 3 {
			return nil, mediaerr.Validation(field("saturation"), "must be in [0,3]")
		}
	}
	if v, ok := r["speed"]; ok {
		_ = v
		p.Speed, _ = floatParam(r, "speed")
		if p.Speed < 0.25 || p.Speed > 4 {
			return nil, mediaerr.Validation(field("speed"), "must be in [0.25,4]")
		}
	}
	return p, nil
}

func canonicalizeCrop(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "width", "height", "x", "y"); err != nil {
		return nil, err
	}
	w, ok1 := intParam(r, "width")
	h, ok2 := intParam(r, "height")
	if !ok1 || !ok2 || w <= 0 || h <= 0 {
		return nil, mediaerr.Validation(field("width"), "width and height are required and must be positive")
	}
	x, _ := intParam(r, "x")
	y, _ := intParam(r, "y")
	return job.CropParams{Width: w, Height: h, X: x, Y: y}, nil
}

func canonicalizeRotate(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "degrees"); err != nil {
		return nil, err
	}
	d, ok := intParam(r, "degrees")
	if !ok || (d != 90 && d != 180 && d != 270) {
		return nil, mediaerr.Validation(field("degrees"), "must be one of 90, 180, 270")
	}
	return job.RotateParams{Degrees: d}, nil
}

func canonicalizeFlip(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "axis"); err != nil {
		return nil, err
	}
	axis, ok := strParam(r, "axis")
	if !ok || (axis != "horizontal" && axis != "vertical") {
		return nil, mediaerr.Validation(field("axis"), "must be horizontal or vertical")
	}
	return job.FlipParams{Axis: axis}, nil
}

var dbRe = regexp.MustCompile(`^-?\d+(\.\d+)?dB$`)

func canonicalizeAudio(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "volume", "sample_rate", "channels"); err != nil {
		return nil, err
	}
	p := job.AudioParams{}
	if v, ok := strParam(r, "volume"); ok {
		if !dbRe.MatchString(v) {
			return nil, mediaerr.Validation(field("volume"), "must be a dB string like -3.0dB")
		}
		p.Volume = v
	} else if f, ok := floatParam(r, "volume"); ok {
		if f < 0 || f > 10 {
			return nil, mediaerr.Validation(field("volume"), "volume must be in [0,10]")
		}
		p.Volume = fmt.Sprintf("%g", f)
	}
	if v, ok := intParam(r, "sample_rate"); ok {
		if _, ok := sampleRates[v]; !ok {
			return nil, mediaerr.Validation(field("sample_rate"), "not an accepted sample rate")
		}
		p.SampleRate = &v
	}
	if v, ok := intParam(r, "channels"); ok {
		if _, ok := channelCounts[v]; !ok {
			return nil, mediaerr.Validation(field("channels"), "not an accepted channel count")
		}
		p.Channels = &v
	}
	return p, nil
}

func canonicalizeSubtitle(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "path", "burn", "language"); err != nil {
		return nil, err
	}
	path, ok := strParam(r, "path")
	if !ok || path == "" {
		return nil, mediaerr.Validation(field("path"), "path is required")
	}
	lang, _ := strParam(r, "language")
	return job.SubtitleParams{Path: path, Burn: boolParam(r, "burn"), Language: lang}, nil
}

func canonicalizeThumbnail(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "mode", "count", "width", "height", "quality"); err != nil {
		return nil, err
	}
	mode, ok := strParam(r, "mode")
	if !ok || !in(thumbnailModes, mode) {
		return nil, mediaerr.Validation(field("mode"), "not in thumbnail mode whitelist")
	}
	p := job.ThumbnailParams{Mode: mode}
	if v, ok := intParam(r, "count"); ok {
		if v < 1 || v > 1000 {
			return nil, mediaerr.Validation(field("count"), "must be in [1,1000]")
		}
		p.Count = v
	}
	p.Width, _ = intParam(r, "width")
	p.Height, _ = intParam(r, "height")
	p.Quality, _ = intParam(r, "quality")
	return p, nil
}

func canonicalizeConcat(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "inputs", "mode"); err != nil {
		return nil, err
	}
	rawInputs, ok := r["inputs"].([]interface{})
	if !ok || len(rawInputs) < 2 || len(rawInputs) > 100 {
		return nil, mediaerr.Validation(field("inputs"), "inputs must have length 2..100")
	}
	inputs := make([]string, 0, len(rawInputs))
	for _, v := range rawInputs {
		s, ok := v.(string)
		if !ok || dangerousChars.MatchString(s) {
			return nil, mediaerr.Validation(field("inputs"), "each input must be a safe string")
		}
		inputs = append(inputs, s)
	}
	mode, ok := strParam(r, "mode")
	if !ok || !in(concatModes, mode) {
		return nil, mediaerr.Validation(field("mode"), "not in concat mode whitelist")
	}
	return job.ConcatParams{Inputs: inputs, Mode: mode}, nil
}

func canonicalizeStream(r job.RawOperation, field func(string) string) (job.OperationParams, error) {
	if err := allowedKeys(r, field, "format", "variants"); err != nil {
		return nil, err
	}
	format, ok := strParam(r, "format")
	if !ok || !in(streamFormats, format) {
		return nil, mediaerr.Validation(field("format"), "not in stream format whitelist")
	}
	rawVariants, _ := r["variants"].([]interface{})
	if len(rawVariants) > 10 {
		return nil, mediaerr.Validation(field("variants"), "at most 10 variants")
	}
	variants := make([]job.StreamVariant, 0, len(rawVariants))
	for i, rv := range rawVariants {
		vm, ok := rv.(map[string]interface{})
		if !ok {
			return nil, mediaerr.Validation(field(fmt.Sprintf("variants[%d]", i)), "must be an object")
		}
		bitrate, _ := vm["bitrate"].(string)
		if err := parseBitrate(bitrate, field, fmt.Sprintf("variants[%d].bitrate", i)); err != nil {
			return nil, err
		}
		v := job.StreamVariant{Bitrate: bitrate}
		if w, ok := vm["width"].(float64); ok {
			v.Width = int(w)
		}
		if h, ok := vm["height"].(float64); ok {
			v.Height = int(h)
		}
		variants = append(variants, v)
	}
	return job.StreamParams{Format: format, Variants: variants}, nil
}
