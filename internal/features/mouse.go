package features

import (
	"context"
	"math"

	"github.com/shortontech/goproctor/internal/telemetry"
)

type MouseFeatures struct {
	Availability
	Moves          int          `json:"moves"`
	Clicks         int          `json:"clicks"`
	Scrolls        int          `json:"scrolls"`
	Velocity       Distribution `json:"velocity"`     // px/ms
	Acceleration   Distribution `json:"acceleration"` // px/ms^2
	PathLength     float64      `json:"path_length"`
	Straightness   float64      `json:"straightness"` // displacement / path length, 1 = ruler straight
	ClickIntervals Distribution `json:"click_intervals"`
	IdleGaps       Distribution `json:"idle_gaps"`
	IdleRatio      float64      `json:"idle_ratio"`
}

func (MouseFeatures) Modality() telemetry.Modality { return telemetry.ModalityMouse }
func (f MouseFeatures) Status() Availability      { return f.Availability }

// MouseExtractor computes pointer kinematics.
type MouseExtractor struct {
	MinEvents int
	IdleGapMs float64
}

func (e *MouseExtractor) Modality() telemetry.Modality { return telemetry.ModalityMouse }

func (e *MouseExtractor) Extract(_ context.Context, s *telemetry.Session) FeatureSet {
	events := s.Mouse
	f := MouseFeatures{}
	if len(events) < e.MinEvents || len(events) < 2 {
		f.Availability = unavailable("insufficient mouse events: %d < %d", len(events), e.MinEvents)
		return f
	}

	var (
		velocities, accels, clickGaps, idle []float64
		lastClick                           = -1.0
		prevMove                            *telemetry.MouseEvent
		prevVelocity, prevVelocityTS        float64
		haveVelocity                        bool
		firstMove, lastMove                 *telemetry.MouseEvent
	)

	for i := range events {
		ev := &events[i]
		if i > 0 {
			if gap := ev.Timestamp - events[i-1].Timestamp; gap >= e.IdleGapMs {
				idle = append(idle, gap)
			}
		}
		switch ev.Type {
		case telemetry.MouseClick:
			f.Clicks++
			if lastClick >= 0 {
				clickGaps = append(clickGaps, ev.Timestamp-lastClick)
			}
			lastClick = ev.Timestamp
		case telemetry.MouseScroll:
			f.Scrolls++
		case telemetry.MouseMove:
			f.Moves++
			if firstMove == nil {
				firstMove = ev
			}
			lastMove = ev
			if prevMove != nil {
				dt := ev.Timestamp - prevMove.Timestamp
				dist := math.Hypot(ev.X-prevMove.X, ev.Y-prevMove.Y)
				f.PathLength += dist
				if dt > 0 {
					v := dist / dt
					velocities = append(velocities, v)
					if haveVelocity {
						if vdt := ev.Timestamp - prevVelocityTS; vdt > 0 {
							accels = append(accels, (v-prevVelocity)/vdt)
						}
					}
					prevVelocity, prevVelocityTS, haveVelocity = v, ev.Timestamp, true
				}
			}
			prevMove = ev
		}
	}

	f.Availability = available()
	f.Velocity = Describe(velocities)
	f.Acceleration = Describe(accels)
	f.ClickIntervals = Describe(clickGaps)
	f.IdleGaps = Describe(idle)
	if f.PathLength > 0 && firstMove != nil {
		displacement := math.Hypot(lastMove.X-firstMove.X, lastMove.Y-firstMove.Y)
		f.Straightness = clamp01(displacement / f.PathLength)
	}
	if span := events[len(events)-1].Timestamp - events[0].Timestamp; span > 0 {
		total := 0.0
		for _, g := range idle {
			total += g
		}
		f.IdleRatio = clamp01(total / span)
	}
	return f
}
