// Package recipe models an audio edit recipe: an ordered list of clip
// operations (trim, volume, fades) over source assets.
package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Clip is one trimmed segment of a source asset. Times are seconds.
type Clip struct {
	AssetID string  `json:"asset_id"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Volume  float64 `json:"volume"`
	FadeIn  float64 `json:"fade_in,omitempty"`
	FadeOut float64 `json:"fade_out,omitempty"`
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	return c.End - c.Start
}

// Recipe is the full edit description. Clips render in order and are
// concatenated into one output stream.
type Recipe struct {
	Clips     []Clip `json:"clips"`
	Normalize bool   `json:"normalize,omitempty"`
}

// Limits are the configured validation ceilings.
type Limits struct {
	MaxClips          int
	MinClipDuration   time.Duration
	MaxOutputDuration time.Duration
}

// Error is a recipe constraint violation. Always a permanent job
// failure: retrying reproduces the same rejection.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "invalid recipe: " + e.Reason
}

func errf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Result carries the durations computed during validation so the
// renderer does not re-derive them.
type Result struct {
	ClipDurations []float64
	Total         float64
}

// Validate checks the recipe against real source durations (seconds,
// keyed by asset ID) and the configured limits.
func Validate(r Recipe, sourceDurations map[string]float64, lim Limits) (*Result, error) {
	if len(r.Clips) == 0 {
		return nil, errf("recipe has no clips")
	}
	if len(r.Clips) > lim.MaxClips {
		return nil, errf("recipe has %d clips, maximum is %d", len(r.Clips), lim.MaxClips)
	}

	minDur := lim.MinClipDuration.Seconds()
	res := &Result{ClipDurations: make([]float64, len(r.Clips))}

	for i, c := range r.Clips {
		src, ok := sourceDurations[c.AssetID]
		if !ok {
			return nil, errf("clip %d references unknown asset %q", i, c.AssetID)
		}
		if c.Start < 0 {
			return nil, errf("clip %d start time %.3f is negative", i, c.Start)
		}
		if c.Start >= c.End {
			return nil, errf("clip %d start %.3f is not before end %.3f", i, c.Start, c.End)
		}
		if c.End > src {
			return nil, errf("clip %d end %.3f exceeds source duration %.3f", i, c.End, src)
		}

		d := c.Duration()
		if d < minDur {
			return nil, errf("clip %d duration %.3fs is below the %.3fs minimum", i, d, minDur)
		}
		if c.FadeIn < 0 || c.FadeOut < 0 {
			return nil, errf("clip %d has a negative fade", i)
		}
		// Fades must leave some un-faded audio, so strictly less.
		if c.FadeIn+c.FadeOut >= d {
			return nil, errf("clip %d fades (%.3fs) do not fit its %.3fs duration", i, c.FadeIn+c.FadeOut, d)
		}
		if c.Volume < 0 || c.Volume > 2 {
			return nil, errf("clip %d volume %.2f is outside [0, 2]", i, c.Volume)
		}

		res.ClipDurations[i] = d
		res.Total += d
	}

	if maxOut := lim.MaxOutputDuration.Seconds(); res.Total > maxOut {
		return nil, errf("total output duration %.1fs exceeds the %.1fs maximum", res.Total, maxOut)
	}
	return res, nil
}

// Hash returns a stable identity for the recipe, used as the preview
// cache key. Two structurally identical recipes hash identically.
func Hash(r Recipe) string {
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AssetIDs returns the unique asset IDs referenced by the recipe, in
// first-appearance order.
func (r Recipe) AssetIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, c := range r.Clips {
		if !seen[c.AssetID] {
			seen[c.AssetID] = true
			ids = append(ids, c.AssetID)
		}
	}
	return ids
}
