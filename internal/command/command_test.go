package command

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jamesross/mediaforge/internal/hwaccel"
	"github.com/jamesross/mediaforge/internal/job"
)

func TestBuildDeterministic(t *testing.T) {
	ops := []job.Operation{{Type: job.OpScale, Params: job.ScaleParams{Width: "1280", Height: "720", Algorithm: "lanczos"}}}
	opts := job.Options{Container: "mp4"}
	caps := hwaccel.Capabilities{}
	a, err := Build(ops, opts, "in.mp4", "out.mp4", caps, "/tmp/pass")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := Build(ops, opts, "in.mp4", "out.mp4", caps, "/tmp/pass")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Join(a.Passes[0].Args, " ") != strings.Join(b.Passes[0].Args, " ") {
		t.Fatalf("identical inputs produced different argument vectors:\n%v\n%v", a, b)
	}
}

func TestFaststartForMP4Only(t *testing.T) {
	ops := []job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{}}}
	mp4, err := Build(ops, job.Options{Container: "mp4"}, "in", "out", hwaccel.Capabilities{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !contains(mp4.Passes[0].Args, "+faststart") {
		t.Error("mp4 output should include +faststart")
	}
	webm, err := Build(ops, job.Options{Container: "webm"}, "in", "out", hwaccel.Capabilities{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if contains(webm.Passes[0].Args, "+faststart") {
		t.Error("webm output should not include +faststart")
	}
}

func TestTwoPassEmitsTwoPasses(t *testing.T) {
	ops := []job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{VideoCodec: "h264"}}}
	built, err := Build(ops, job.Options{Container: "mp4", TwoPass: true}, "in", "out", hwaccel.Capabilities{}, "/tmp/pass-log")
	if err != nil {
		t.Fatal(err)
	}
	if len(built.Passes) != 2 {
		t.Fatalf("expected 2 passes, got %d", len(built.Passes))
	}
	if !contains(built.Passes[0].Args, "1") || !contains(built.Passes[1].Args, "2") {
		t.Error("expected -pass 1 then -pass 2")
	}
}

func TestHardwareAccelSubstitution(t *testing.T) {
	caps := hwaccel.Capabilities{Encoders: map[string]struct{}{"h264_nvenc": {}}}
	ops := []job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{VideoCodec: "h264"}}}
	built, err := Build(ops, job.Options{Container: "mp4"}, "in", "out", caps, "")
	if err != nil {
		t.Fatal(err)
	}
	if !contains(built.Passes[0].Args, "h264_nvenc") {
		t.Errorf("expected hardware encoder substitution, got %v", built.Passes[0].Args)
	}
}

func TestHardwareAccelExplicitNoneSkipsSubstitution(t *testing.T) {
	caps := hwaccel.Capabilities{Encoders: map[string]struct{}{"h264_nvenc": {}}}
	ops := []job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{VideoCodec: "h264", HardwareAcceleration: "none"}}}
	built, err := Build(ops, job.Options{Container: "mp4"}, "in", "out", caps, "")
	if err != nil {
		t.Fatal(err)
	}
	if contains(built.Passes[0].Args, "h264_nvenc") {
		t.Error("hardware_acceleration=none should skip substitution")
	}
}

func TestConcatAloneBuildsDemuxerArgs(t *testing.T) {
	ops := []job.Operation{
		{Type: job.OpConcat, Params: job.ConcatParams{Inputs: []string{"list.txt"}, Mode: "demuxer"}},
	}
	built, err := Build(ops, job.Options{}, "in", "out", hwaccel.Capabilities{}, "")
	if err != nil {
		t.Fatalf("concat alone should build: %v", err)
	}
	if !contains(built.Passes[0].Args, "concat") {
		t.Error("expected concat demuxer args")
	}
}

func TestAtempoChainWithinRange(t *testing.T) {
	chain := atempoChain(5.0)
	for _, f := range chain {
		var v float64
		if _, err := fmt.Sscanf(f, "atempo=%f", &v); err != nil {
			t.Fatalf("unparsable atempo filter %q", f)
		}
		if v < 0.5 || v > 2.0 {
			t.Errorf("atempo factor %v out of 0.5..2.0 range", v)
		}
	}
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want || strings.Contains(a, want) {
			return true
		}
	}
	return false
}
