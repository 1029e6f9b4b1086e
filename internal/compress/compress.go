// Package compress defines the prompt-compression seam. The real compression
// engine is an external collaborator; the core only guarantees that text
// wrapped in <compress> markers may be transformed and that the markers
// themselves never reach a provider.
package compress

import (
	"regexp"

	"github.com/Strob0t/CodeTumbler/internal/domain/project"
)

// Metrics describes what a transform did to the marked blocks.
type Metrics struct {
	BlocksCompressed int     `json:"blocks_compressed"`
	OriginalChars    int     `json:"original_chars"`
	CompressedChars  int     `json:"compressed_chars"`
	Ratio            float64 `json:"ratio"`
}

// Transform rewrites the compressible sections of a prompt. Input and output
// are full message texts containing zero or more <compress> blocks.
type Transform interface {
	Compress(text string, cfg project.Compression) (string, Metrics)
}

var (
	markerRe = regexp.MustCompile(`(?i)</?compress>`)
	blockRe  = regexp.MustCompile(`(?is)<compress>(.*?)</compress>`)
)

// StripMarkers removes <compress> markers without altering the content.
// Always applied before transmission, compression enabled or not.
func StripMarkers(text string) string {
	return markerRe.ReplaceAllString(text, "")
}

// Blocks returns the contents of each <compress> section.
func Blocks(text string) []string {
	matches := blockRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Passthrough is the default Transform: it leaves marked content untouched
// and strips the markers.
type Passthrough struct{}

// Compress implements Transform.
func (Passthrough) Compress(text string, cfg project.Compression) (string, Metrics) {
	var m Metrics
	for _, b := range Blocks(text) {
		m.BlocksCompressed++
		m.OriginalChars += len(b)
		m.CompressedChars += len(b)
	}
	if m.OriginalChars > 0 {
		m.Ratio = float64(m.CompressedChars) / float64(m.OriginalChars)
	}
	return StripMarkers(text), m
}
