// Package validate implements the Operation Validator (C2): the
// security-critical gate between an untrusted declarative operation list
// and the canonical form persisted and fed to the Command Builder.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
)

const DefaultMaxOperations = 50

var typeNamePattern = regexp.MustCompile(`^[a-z_]+$`)
var dangerousChars = regexp.MustCompile("[\x00|;&$`<>\"'\n\r]")

var recognizedTypes = map[job.OperationType]struct{}{
	job.OpTranscode: {}, job.OpTrim: {}, job.OpWatermark: {}, job.OpFilter: {},
	job.OpScale: {}, job.OpCrop: {}, job.OpRotate: {}, job.OpFlip: {},
	job.OpAudio: {}, job.OpSubtitle: {}, job.OpThumbnail: {}, job.OpConcat: {},
	job.OpStream: {},
}

// Options configures a validator instance, primarily the operation-count
// ceiling, which operators may tune via internal/config.
type Options struct {
	MaxOperations int
}

// Canonicalize is a pure function: it validates raw (an untrusted
// submission) and returns the canonical, defaults-filled, normalized
// Operation list that will be persisted. It performs no I/O, satisfies the
// idempotence law Canonicalize(Canonicalize(ops)) = Canonicalize(ops), and
// never produces a partially-validated result: any violation returns an
// error and the job is never persisted.
func Canonicalize(raw []job.RawOperation, container string, opts Options) ([]job.Operation, error) {
	max := opts.MaxOperations
	if max <= 0 {
		max = DefaultMaxOperations
	}
	if len(raw) > max {
		return nil, mediaerr.Validation("operations", fmt.Sprintf("operations list exceeds maximum of %d", max))
	}
	if len(raw) == 0 {
		// Open Question #1: empty is valid, defaults to a single
		// pass-through transcode with all defaults.
		return []job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{}}}, nil
	}

	ops := make([]job.Operation, 0, len(raw))
	hasConcat := false
	for i, r := range raw {
		typeVal, ok := r["type"].(string)
		if !ok || typeVal == "" {
			return nil, mediaerr.Validation(fmt.Sprintf("operations[%d].type", i), "type is required")
		}
		if !typeNamePattern.MatchString(typeVal) {
			return nil, mediaerr.Validation(fmt.Sprintf("operations[%d].type", i), "type must match ^[a-z_]+$")
		}
		opType := job.OperationType(typeVal)
		if _, ok := recognizedTypes[opType]; !ok {
			return nil, mediaerr.Validation(fmt.Sprintf("operations[%d].type", i), "unrecognized operation type")
		}
		if opType == job.OpConcat {
			hasConcat = true
		}
		if err := checkDangerousStrings(r, i); err != nil {
			return nil, err
		}
		params, err := canonicalizeParams(opType, r, i)
		if err != nil {
			return nil, err
		}
		ops = append(ops, job.Operation{Type: opType, Params: params})
	}

	if hasConcat && len(ops) > 1 {
		// Concat is mutually exclusive with all other operations
		// (Open Question #3, resolved in SPEC_FULL.md §9).
		return nil, mediaerr.Validation("operations", "concat must be the only operation in the list")
	}

	if err := checkCrossOperation(ops, container); err != nil {
		return nil, err
	}
	return ops, nil
}

func checkDangerousStrings(r job.RawOperation, index int) error {
	for key, v := range r {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if dangerousChars.MatchString(s) {
			return mediaerr.Security(fmt.Sprintf("operations[%d].%s", index, key), "contains disallowed characters")
		}
	}
	return nil
}

func canonicalizeParams(t job.OperationType, r job.RawOperation, index int) (job.OperationParams, error) {
	field := func(name string) string { return fmt.Sprintf("operations[%d].%s", index, name) }

	switch t {
	case job.OpTranscode:
		return canonicalizeTranscode(r, field)
	case job.OpTrim:
		return canonicalizeTrim(r, field)
	case job.OpScale:
		return canonicalizeScale(r, field)
	case job.OpWatermark:
		return canonicalizeWatermark(r, field)
	case job.OpFilter:
		return canonicalizeFilter(r, field)
	case job.OpCrop:
		return canonicalizeCrop(r, field)
	case job.OpRotate:
		return canonicalizeRotate(r, field)
	case job.OpFlip:
		return canonicalizeFlip(r, field)
	case job.OpAudio:
		return canonicalizeAudio(r, field)
	case job.OpSubtitle:
		return canonicalizeSubtitle(r, field)
	case job.OpThumbnail:
		return canonicalizeThumbnail(r, field)
	case job.OpConcat:
		return canonicalizeConcat(r, field)
	case job.OpStream:
		return canonicalizeStream(r, field)
	default:
		// Unreachable: recognizedTypes and this switch are kept in
		// lockstep and tested by TestAllOperationTypesHandled.
		return nil, mediaerr.Internal("no canonicalizer for operation type", nil)
	}
}

func allowedKeys(r job.RawOperation, field func(string) string, allowed ...string) error {
	ok := set(allowed...)
	for k := range r {
		if k == "type" {
			continue
		}
		if _, permitted := ok[k]; !permitted {
			return mediaerr.Validation(field(k), "unknown parameter")
		}
	}
	return nil
}

func strParam(r job.RawOperation, key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func floatParam(r job.RawOperation, key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func intParam(r job.RawOperation, key string) (int, bool) {
	f, ok := floatParam(r, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func boolParam(r job.RawOperation, key string) bool {
	v, ok := r[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

var bitrateRe = regexp.MustCompile(`^(\d+)([km])$`)

// parseBitrate parses "<int>[k|m]" and enforces the 100kbps-50Mbps range.
func parseBitrate(s string, field func(string) string, key string) error {
	m := bitrateRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return mediaerr.Validation(field(key), "bitrate must match <int>[k|m]")
	}
	n, _ := strconv.Atoi(m[1])
	var bps int
	if m[2] == "k" {
		bps = n * 1000
	} else {
		bps = n * 1000000
	}
	if bps < 100000 || bps > 50000000 {
		return mediaerr.Validation(field(key), "bitrate must be between 100k and 50M")
	}
	return nil
}

func checkCrossOperation(ops []job.Operation, container string) error {
	container = strings.ToLower(container)
	compat, known := codecContainerCompat[container]
	totalPixels := 0
	for i, op := range ops {
		field := func(name string) string { return fmt.Sprintf("operations[%d].%s", i, name) }
		if tp, ok := op.Params.(job.TranscodeParams); ok {
			if known {
				if tp.VideoCodec != "" && !in(compat, tp.VideoCodec) {
					return mediaerr.Validation(field("video_codec"), fmt.Sprintf("codec %s is not compatible with container %s", tp.VideoCodec, container))
				}
				if tp.AudioCodec != "" && !in(compat, tp.AudioCodec) {
					return mediaerr.Validation(field("audio_codec"), fmt.Sprintf("codec %s is not compatible with container %s", tp.AudioCodec, container))
				}
			}
			if tp.Width != nil && tp.Height != nil {
				totalPixels += *tp.Width * *tp.Height
			}
		}
	}
	const eightK = 7680 * 4320
	if totalPixels > eightK {
		return mediaerr.Validation("operations", "aggregate pixel count exceeds 8K limit")
	}
	return nil
}
