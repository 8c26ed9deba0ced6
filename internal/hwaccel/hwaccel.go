// Package hwaccel discovers the media toolchain's available hardware
// encoders once at worker startup (C15, spec.md §4.5). The resulting
// Capabilities map is read-only thereafter and injected into the Command
// Builder rather than consulted as a global.
package hwaccel

import (
	"bufio"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Capabilities is the read-only result of probing the tool's encoder list.
type Capabilities struct {
	Encoders map[string]struct{}
}

// Has reports whether a named encoder (e.g. "h264_nvenc") was discovered.
func (c Capabilities) Has(encoder string) bool {
	if c.Encoders == nil {
		return false
	}
	_, ok := c.Encoders[encoder]
	return ok
}

// preferenceOrder lists the vendor-specific encoder names the scanner
// recognizes in the tool's `-encoders` listing output, in preference
// order (vendor-specific accelerators before software fallback).
var preferenceOrder = []string{
	"h264_nvenc", "hevc_nvenc",
	"h264_qsv", "hevc_qsv",
	"h264_videotoolbox", "hevc_videotoolbox",
	"h264_vaapi", "hevc_vaapi",
	"libx264", "libx265",
}

var encoderLineRe = regexp.MustCompile(`^\s*[VAS\.]{6}\s+(\S+)\s`)

// Discover invokes toolPath with the encoder-listing argument and scans
// stdout for recognized encoder names. It runs once per worker process.
func Discover(ctx context.Context, toolPath string) (Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, toolPath, "-hide_banner", "-encoders")
	out, err := cmd.StdoutPipe()
	if err != nil {
		return Capabilities{}, err
	}
	if err := cmd.Start(); err != nil {
		return Capabilities{}, err
	}

	found := map[string]struct{}{}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Text()
		if m := encoderLineRe.FindStringSubmatch(line); m != nil {
			found[m[1]] = struct{}{}
			continue
		}
		for _, name := range preferenceOrder {
			if strings.Contains(line, name) {
				found[name] = struct{}{}
			}
		}
	}
	_ = cmd.Wait() // a non-zero exit from the probe still yields a usable partial list

	return Capabilities{Encoders: found}, nil
}

// BestEncoder returns the highest-preference discovered encoder among
// candidates, or "" if none are available (the Command Builder then falls
// back to software encoding).
func BestEncoder(caps Capabilities, candidates ...string) string {
	want := map[string]struct{}{}
	for _, c := range candidates {
		want[c] = struct{}{}
	}
	for _, name := range preferenceOrder {
		if _, wanted := want[name]; !wanted {
			continue
		}
		if caps.Has(name) {
			return name
		}
	}
	return ""
}
