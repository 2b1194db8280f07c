package telemetry

import "time"

// Apply writes the patch into s. A modality buffer is replaced wholesale so
// re-submitting the same payload leaves the session unchanged.
func Apply(s *Session, p *Patch, now time.Time) {
	switch p.Modality {
	case ModalityKeystroke:
		s.Keystrokes = p.Keystrokes
	case ModalityMouse:
		s.Mouse = p.Mouse
	case ModalityResponses:
		s.Responses = p.Responses
	case ModalityDevice:
		s.Device = p.Device
		if s.Metadata.UserAgent == "" && p.Device != nil {
			s.Metadata.UserAgent = p.Device.Browser.UserAgent
		}
	case ModalityTimezone:
		s.Timezone = p.Timezone
		if s.Metadata.Timezone == "" && p.Timezone != nil {
			s.Metadata.Timezone = p.Timezone.Claimed
		}
	case ModalityNetwork:
		s.Network = p.Network
		if s.Metadata.IP == "" && p.Network != nil {
			s.Metadata.IP = p.Network.IP
		}
	}
	s.Metadata = mergeMetadata(s.Metadata, p.Metadata)

	if s.Submissions == nil {
		s.Submissions = map[Modality]int{}
	}
	s.Submissions[p.Modality]++
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

// TimeSpan returns the observed duration of the session, preferring the
// declared start/end and falling back to event timestamps.
func (s *Session) TimeSpan() time.Duration {
	if !s.Metadata.StartTime.IsZero() && s.Metadata.EndTime.After(s.Metadata.StartTime) {
		return s.Metadata.EndTime.Sub(s.Metadata.StartTime)
	}
	lo, hi := 0.0, 0.0
	seen := false
	track := func(ts float64) {
		if ts <= 0 {
			return
		}
		if !seen || ts < lo {
			lo = ts
		}
		if !seen || ts > hi {
			hi = ts
		}
		seen = true
	}
	for _, k := range s.Keystrokes {
		track(k.Timestamp)
	}
	for _, m := range s.Mouse {
		track(m.Timestamp)
	}
	for _, r := range s.Responses {
		track(r.Timestamp)
	}
	if !seen {
		return 0
	}
	return time.Duration((hi - lo) * float64(time.Millisecond))
}
