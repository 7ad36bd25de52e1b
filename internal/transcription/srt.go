package transcription

import (
	"fmt"
	"math"
	"strings"

	"github.com/mahirjain10/video-workers/internal/types"
)

// RenderSRT renders segments as a SubRip document.
func RenderSRT(segments []types.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, srtTime(seg.Start), srtTime(seg.End), seg.Text)
	}
	return b.String()
}

func srtTime(seconds float64) string {
	total := int64(math.Round(seconds * 1000))
	ms := total % 1000
	s := total / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", s/3600, (s%3600)/60, s%60, ms)
}
