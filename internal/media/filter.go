package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/audiopipe/audiopipe/internal/recipe"
)

// loudnormTarget is the single-pass normalization profile baked into
// preview renders.
const loudnormTarget = "loudnorm=I=-16:TP=-1.5:LRA=11"

// GraphOpts controls the tail of the filter graph.
type GraphOpts struct {
	// Loudnorm appends single-pass normalization. Preview only: the
	// save path uses the two-pass flow instead so the output is never
	// normalized twice.
	Loudnorm   bool
	SampleRate int
}

// InputArgs resolves the recipe's clips to a deduplicated ffmpeg input
// list plus an asset-to-input-index map. The same source file is never
// fed to ffmpeg twice.
func InputArgs(r recipe.Recipe, paths map[string]string) ([]string, map[string]int) {
	var inputs []string
	index := map[string]int{}
	for _, id := range r.AssetIDs() {
		index[id] = len(inputs)
		inputs = append(inputs, paths[id])
	}
	return inputs, index
}

// BuildFilterGraph assembles the per-clip
// trim → reset-timestamps → volume → fades chains, concatenates them in
// recipe order, optionally normalizes, and resamples into [out].
func BuildFilterGraph(clips []recipe.Clip, index map[string]int, opts GraphOpts) string {
	var b strings.Builder
	labels := make([]string, len(clips))

	for i, c := range clips {
		label := fmt.Sprintf("c%d", i)
		labels[i] = label

		fmt.Fprintf(&b, "[%d:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS",
			index[c.AssetID], fnum(c.Start), fnum(c.End))
		if c.Volume != 1 {
			fmt.Fprintf(&b, ",volume=%s", fnum(c.Volume))
		}
		if c.FadeIn > 0 {
			fmt.Fprintf(&b, ",afade=t=in:st=0:d=%s", fnum(c.FadeIn))
		}
		if c.FadeOut > 0 {
			fmt.Fprintf(&b, ",afade=t=out:st=%s:d=%s",
				fnum(c.Duration()-c.FadeOut), fnum(c.FadeOut))
		}
		fmt.Fprintf(&b, "[%s];", label)
	}

	for _, l := range labels {
		fmt.Fprintf(&b, "[%s]", l)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=0:a=1[cat];", len(clips))

	last := "cat"
	if opts.Loudnorm {
		fmt.Fprintf(&b, "[cat]%s[ln];", loudnormTarget)
		last = "ln"
	}
	fmt.Fprintf(&b, "[%s]aresample=%d[out]", last, opts.SampleRate)

	return b.String()
}

func fnum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
