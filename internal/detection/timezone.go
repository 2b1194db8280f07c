package detection

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata" // zone lookups must not depend on the host's zoneinfo

	"github.com/shortontech/goproctor/internal/telemetry"
)

const (
	nightEndHour   = 5
	epochMsFloor   = 1e12
	minHourSamples = 3
)

var timezoneAdvice = map[string]string{
	"ip_timezone":      "Confirm the candidate's location; network geolocation contradicts the claimed timezone",
	"browser_timezone": "Browser timezone differs from the claimed timezone",
	"system_timezone":  "System clock timezone differs from the claimed timezone",
	"active_hours":     "Activity falls in the middle of the night for the claimed timezone",
	"time_sync":        "Client clock drift is large; check for clock manipulation",
}

// TimezoneDetector compares every timezone source against the claimed zone.
// Each mismatch adds its weight to the score.
type TimezoneDetector struct {
	Settings Settings
}

func (d *TimezoneDetector) Type() Type { return TypeTimezone }

func (d *TimezoneDetector) Detect(_ context.Context, in Input) Result {
	s := in.Session
	if s == nil || (s.Timezone == nil && s.Metadata.Timezone == "") {
		return Unavailable(d.Type(), in, "no timezone data submitted")
	}
	tz := s.Timezone
	if tz == nil {
		tz = &telemetry.TimezoneData{}
	}
	claimed := tz.Claimed
	if claimed == "" {
		claimed = s.Metadata.Timezone
	}
	if claimed == "" {
		return Unavailable(d.Type(), in, "no claimed timezone")
	}

	at := s.Metadata.StartTime
	if at.IsZero() {
		at = s.CreatedAt
	}
	if at.IsZero() {
		at = in.now()
	}
	claimedOffset, err := zoneOffset(claimed, at)
	if err != nil {
		return Unavailable(d.Type(), in, fmt.Sprintf("unknown claimed timezone %q", claimed))
	}

	ipZone := tz.IPTimezone
	if ipZone == "" && s.Metadata.Geolocation != nil {
		ipZone = s.Metadata.Geolocation.Timezone
	}

	subs := []weighted{
		{compareZone("ip_timezone", ipZone, claimedOffset, at), 0.3},
		{compareZone("browser_timezone", tz.Browser, claimedOffset, at), 0.25},
		{d.system(tz, claimedOffset, at), 0.25},
		{activeHours(hourSamples(s, tz), claimedOffset), 0.2},
		{d.timeSync(tz), 0.15},
	}

	var score, total, used float64
	for _, sub := range subs {
		total += sub.weight
		if sub.Available {
			used += sub.weight
			score += sub.weight * sub.Score
		}
	}
	if used == 0 {
		return Unavailable(d.Type(), in, unavailableReason(subs))
	}
	return finish(d.Type(), in, d.Settings.Thresholds, score, used/total, unwrap(subs), timezoneAdvice)
}

func (d *TimezoneDetector) system(tz *telemetry.TimezoneData, claimed int, at time.Time) SubAnalysis {
	const name = "system_timezone"
	if tz.System != "" {
		return compareZone(name, tz.System, claimed, at)
	}
	if tz.OffsetMinutes == nil {
		return skipped(name, "not reported")
	}
	// getTimezoneOffset is minutes behind UTC, so the sign flips.
	offset := -*tz.OffsetMinutes * 60
	return mismatch(name, offset, claimed)
}

func (d *TimezoneDetector) timeSync(tz *telemetry.TimezoneData) SubAnalysis {
	const name = "time_sync"
	if tz.NTPDriftMs == 0 {
		return skipped(name, "no drift measurement")
	}
	score := 0.0
	if tz.NTPDriftMs > d.Settings.TimeSyncDriftMs {
		score = 1
	}
	return scored(name, score, 1, map[string]float64{
		"drift_ms":     tz.NTPDriftMs,
		"threshold_ms": d.Settings.TimeSyncDriftMs,
	})
}

func compareZone(name, zone string, claimed int, at time.Time) SubAnalysis {
	if zone == "" {
		return skipped(name, "not reported")
	}
	offset, err := zoneOffset(zone, at)
	if err != nil {
		return skipped(name, fmt.Sprintf("unknown timezone %q", zone))
	}
	return mismatch(name, offset, claimed)
}

func mismatch(name string, offset, claimed int) SubAnalysis {
	score := 0.0
	if offset != claimed {
		score = 1
	}
	return scored(name, score, 1, map[string]float64{
		"offset_minutes":         float64(offset / 60),
		"claimed_offset_minutes": float64(claimed / 60),
	})
}

// activeHours measures the share of activity between midnight and 05:00 in
// the claimed zone.
func activeHours(hours []int, claimedOffset int) SubAnalysis {
	const name = "active_hours"
	if len(hours) < minHourSamples {
		return skipped(name, "not enough timestamped activity")
	}
	night := 0
	for _, h := range hours {
		// Use the middle of the hour so half-hour zones land correctly.
		local := ((h*3600+1800+claimedOffset)%86400 + 86400) % 86400
		if local/3600 < nightEndHour {
			night++
		}
	}
	share := float64(night) / float64(len(hours))
	return scored(name, (share-0.25)/0.5, 0.5, map[string]float64{
		"night_share": share,
		"samples":     float64(len(hours)),
	})
}

// hourSamples prefers the client's activity histogram and falls back to
// epoch timestamps on responses.
func hourSamples(s *telemetry.Session, tz *telemetry.TimezoneData) []int {
	if len(tz.ActivityHoursUTC) > 0 {
		out := make([]int, 0, len(tz.ActivityHoursUTC))
		for _, h := range tz.ActivityHoursUTC {
			if h >= 0 && h < 24 {
				out = append(out, h)
			}
		}
		return out
	}
	var out []int
	for _, r := range s.Responses {
		if r.Timestamp >= epochMsFloor {
			out = append(out, time.UnixMilli(int64(r.Timestamp)).UTC().Hour())
		}
	}
	return out
}

// zoneOffset is the UTC offset of zone in seconds at the given instant.
func zoneOffset(zone string, at time.Time) (int, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return 0, err
	}
	_, offset := at.In(loc).Zone()
	return offset, nil
}
