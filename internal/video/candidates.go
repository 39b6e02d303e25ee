package video

import (
	"bufio"
	"strconv"
	"strings"
)

// Candidate is one encoder configuration in the fallback chain.
type Candidate struct {
	Name string
	// Requires names the ffmpeg encoder that must be available; empty means always usable.
	Requires string
	// Args are the codec arguments placed between the input and output options.
	Args []string
}

// Candidates returns the chain in preference order: libx264, MPEG-4, then
// the container's default codec.
func Candidates(crf int, bitrate string) []Candidate {
	return []Candidate{
		{
			Name:     "h264",
			Requires: "libx264",
			Args:     []string{"-c:v", "libx264", "-preset", "medium", "-crf", strconv.Itoa(crf), "-pix_fmt", "yuv420p"},
		},
		{
			Name:     "mpeg4",
			Requires: "mpeg4",
			Args:     []string{"-c:v", "mpeg4", "-b:v", bitrate},
		},
		{
			Name: "default",
			Args: []string{"-b:v", bitrate},
		},
	}
}

// choose returns the first candidate whose encoder is available.
func choose(candidates []Candidate, available map[string]bool) Candidate {
	for _, c := range candidates {
		if c.Requires == "" || available[c.Requires] {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// parseEncoders extracts encoder names from `ffmpeg -encoders` output.
// Entries follow the "------" separator as "<flags> <name> <description>".
func parseEncoders(output string) map[string]bool {
	encoders := make(map[string]bool)
	inList := false

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inList {
			inList = strings.HasPrefix(line, "---")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}
