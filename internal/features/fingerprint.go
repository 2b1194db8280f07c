package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shortontech/goproctor/internal/telemetry"
)

// Population reports how often each component value has been seen across
// all devices. Implemented by the reputation store.
type Population interface {
	Frequencies(ctx context.Context, components map[string]string) (counts map[string]int64, total int64, err error)
}

// Components hashed into a device signature.
var fingerprintComponents = []string{
	"hardware", "os", "browser", "gpu", "screen", "network", "timezone", "canvas",
}

type FingerprintFeatures struct {
	Availability
	Signature  string            `json:"signature"`
	Components map[string]string `json:"components"` // component -> short hash
	Present    int               `json:"present"`
	Confidence float64           `json:"confidence"`

	EntropyAvailable bool    `json:"entropy_available"`
	EntropyBits      float64 `json:"entropy_bits"`
	Uniqueness       float64 `json:"uniqueness"` // entropy relative to the maximum for this population size
	PopulationSize   int64   `json:"population_size"`
}

func (FingerprintFeatures) Modality() telemetry.Modality { return telemetry.ModalityDevice }
func (f FingerprintFeatures) Status() Availability      { return f.Availability }

// FingerprintExtractor derives the canonical device signature.
type FingerprintExtractor struct {
	Population Population
}

func (e *FingerprintExtractor) Modality() telemetry.Modality { return telemetry.ModalityDevice }

func (e *FingerprintExtractor) Extract(ctx context.Context, s *telemetry.Session) FeatureSet {
	f := FingerprintFeatures{}
	if s.Device == nil {
		f.Availability = unavailable("no device data submitted")
		return f
	}

	raw := ComponentValues(s)
	f.Components = make(map[string]string, len(raw))
	parts := make([]string, 0, len(raw))
	for _, name := range fingerprintComponents {
		v, ok := raw[name]
		if !ok {
			continue
		}
		f.Components[name] = shortHash(v)
		parts = append(parts, name+"="+v)
	}
	f.Present = len(parts)
	if f.Present == 0 {
		f.Availability = unavailable("device data carried no usable attributes")
		return f
	}

	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	f.Signature = hex.EncodeToString(sum[:])
	f.Confidence = float64(f.Present) / float64(len(fingerprintComponents))
	f.Availability = available()

	if e.Population == nil {
		return f
	}
	counts, total, err := e.Population.Frequencies(ctx, f.Components)
	if err != nil {
		return f
	}
	f.PopulationSize = total
	f.EntropyBits, f.Uniqueness = entropy(f.Components, counts, total)
	f.EntropyAvailable = true
	return f
}

// entropy sums the surprisal of each component value. Frequencies use
// Laplace smoothing so unseen values stay finite.
func entropy(components map[string]string, counts map[string]int64, total int64) (bits, uniqueness float64) {
	if len(components) == 0 {
		return 0, 0
	}
	denom := float64(total + 2)
	for name := range components {
		p := (float64(counts[name]) + 1) / denom
		bits -= math.Log2(p)
	}
	maxBits := float64(len(components)) * math.Log2(denom)
	if maxBits > 0 {
		uniqueness = clamp01(bits / maxBits)
	}
	return bits, uniqueness
}

// ComponentValues renders the normalized attribute string per component.
// Absent components are omitted.
func ComponentValues(s *telemetry.Session) map[string]string {
	out := map[string]string{}
	d := s.Device
	if d == nil {
		return out
	}
	if hw := d.Hardware; hw != nil {
		out["hardware"] = lower(fmt.Sprintf("%s/%s/%d/%g", hw.Vendor, hw.Model, hw.Cores, hw.MemoryGB))
	}
	os := d.OS
	if os == "" {
		os = telemetry.AnalyzeUserAgent(d.Browser.UserAgent).Platform
	}
	if os != "" || d.Browser.Platform != "" {
		out["os"] = lower(os + "/" + d.Browser.Platform)
	}
	if d.Browser.UserAgent != "" {
		ua := telemetry.AnalyzeUserAgent(d.Browser.UserAgent)
		out["browser"] = lower(fmt.Sprintf("%s/%s/%d/%d", ua.Browser, d.Browser.Language, d.Browser.Plugins, len(d.Browser.Fonts)))
	}
	if g := d.GPU; g != nil && (g.Vendor != "" || g.Renderer != "") {
		out["gpu"] = lower(g.Vendor + "/" + g.Renderer)
	}
	if sc := d.Screen; sc != nil && sc.Width > 0 {
		out["screen"] = fmt.Sprintf("%dx%dx%d@%g", sc.Width, sc.Height, sc.ColorDepth, sc.PixelRatio)
	}
	if n := s.Network; n != nil {
		out["network"] = lower(fmt.Sprintf("%s/%t", n.ConnectionType, telemetry.IsDatacenterIP(n.IP)))
	}
	tz := d.Timezone
	if tz == "" && s.Timezone != nil {
		tz = s.Timezone.System
	}
	if tz != "" {
		out["timezone"] = tz
	}
	if d.CanvasHash != "" {
		out["canvas"] = d.CanvasHash
	}
	return out
}

func shortHash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
