package telemetry

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// keyupTolerance is how far (ms) a keyup may precede its keydown before the
// pair is treated as corrupt.
const keyupTolerance = 5.0

// ValidationError lists the required fields that were missing or unusable.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid telemetry: missing or malformed " + strings.Join(e.Fields, ", ")
}

// Patch is one validated submission, ready to apply to a session.
type Patch struct {
	SessionID  string
	Modality   Modality
	Keystrokes []KeystrokeEvent
	Mouse      []MouseEvent
	Responses  []ResponseRecord
	Device     *DeviceData
	Timezone   *TimezoneData
	Network    *NetworkData
	Metadata   Metadata
	Coercions  []Coercion
}

type Normalizer struct {
	log *zap.Logger
}

func NewNormalizer(log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{log: log}
}

// Normalize validates one decoded request body for modality m. It fails only
// when the session id or the modality payload is absent; everything else is
// coerced and recorded on the patch.
func (n *Normalizer) Normalize(m Modality, body map[string]any) (*Patch, error) {
	r := &reader{}
	var missing []string

	sessionID := r.str(body, "", "", "session_id", "sessionId", "sessionID")
	if sessionID == "" {
		missing = append(missing, "session_id")
	}

	dataKey := m.DataKey()
	if dataKey == "" {
		return nil, &ValidationError{Fields: []string{"modality"}}
	}
	data, present := lookupData(body, dataKey)
	if !present {
		missing = append(missing, dataKey)
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Fields: missing}
	}

	p := &Patch{SessionID: sessionID, Modality: m}
	if meta, ok := asMap(body["metadata"]); ok {
		p.Metadata = r.metadata(meta, "metadata")
	}

	var err error
	switch m {
	case ModalityKeystroke:
		p.Keystrokes, err = r.keystrokes(data, dataKey)
	case ModalityMouse:
		p.Mouse, err = r.mouse(data, dataKey)
	case ModalityResponses:
		p.Responses, err = r.responses(data, dataKey)
		if obj, ok := asMap(data); ok {
			p.Metadata = mergeMetadata(p.Metadata, r.metadata(obj, dataKey))
		}
	case ModalityDevice:
		p.Device, err = r.device(data, dataKey)
	case ModalityTimezone:
		p.Timezone, err = r.timezone(data, dataKey)
	case ModalityNetwork:
		p.Network, err = r.network(data, dataKey)
	}
	if err != nil {
		return nil, err
	}

	p.Coercions = r.coercions
	if len(p.Coercions) > 0 {
		fields := make([]string, len(p.Coercions))
		for i, c := range p.Coercions {
			fields[i] = c.Field
		}
		n.log.Debug("telemetry: coerced fields",
			zap.String("session_id", sessionID),
			zap.String("modality", string(m)),
			zap.Strings("fields", fields))
	}
	return p, nil
}

// lookupData tolerates the camelCase spelling of the payload key.
func lookupData(body map[string]any, key string) (any, bool) {
	if v, ok := body[key]; ok && v != nil {
		return v, true
	}
	parts := strings.Split(key, "_")
	camel := parts[0]
	for _, p := range parts[1:] {
		camel += strings.ToUpper(p[:1]) + p[1:]
	}
	v, ok := body[camel]
	return v, ok && v != nil
}

// eventList accepts either a bare list or an object wrapping one under any
// of keys.
func eventList(data any, dataKey string, keys ...string) ([]any, error) {
	if list, ok := asList(data); ok {
		return list, nil
	}
	obj, ok := asMap(data)
	if !ok {
		return nil, &ValidationError{Fields: []string{dataKey}}
	}
	v, key, ok := lookup(obj, keys...)
	if !ok {
		return nil, &ValidationError{Fields: []string{dataKey + "." + keys[0]}}
	}
	list, ok := asList(v)
	if !ok {
		return nil, &ValidationError{Fields: []string{dataKey + "." + key}}
	}
	return list, nil
}

func (r *reader) keystrokes(data any, dataKey string) ([]KeystrokeEvent, error) {
	list, err := eventList(data, dataKey, "events", "keystrokes", "keystroke_events", "keys")
	if err != nil {
		return nil, err
	}

	events := make([]KeystrokeEvent, 0, len(list))
	for i, item := range list {
		path := fmt.Sprintf("%s.events[%d]", dataKey, i)
		obj, ok := asMap(item)
		if !ok {
			r.note(path, "expected object, got %T; dropped", item)
			continue
		}
		ts, ok := r.timestampMs(obj, path, "timestamp", "time", "ts", "t")
		if !ok {
			r.note(path+".timestamp", "missing timestamp; dropped")
			continue
		}
		ev := KeystrokeEvent{
			Key:       r.str(obj, path, "", "key", "keyCode", "code", "key_code"),
			Timestamp: ts,
			Pressure:  r.float(obj, path, 0, "pressure", "force"),
		}
		rawType := strings.ToLower(r.str(obj, path, "", "type", "event_type", "eventType", "action"))
		switch rawType {
		case "down", "keydown", "press", "pressed", "keypress":
			ev.Type = KeyDown
		case "up", "keyup", "release", "released":
			ev.Type = KeyUp
		default:
			r.note(path+".type", "unrecognized type %q; using %q", rawType, Unknown)
			ev.Type = Unknown
		}
		events = append(events, ev)
	}

	events = r.dropInvertedKeyups(events, dataKey)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events, nil
}

// dropInvertedKeyups pairs events in submission order and removes keyups
// stamped earlier than their keydown by more than the tolerance.
func (r *reader) dropInvertedKeyups(events []KeystrokeEvent, dataKey string) []KeystrokeEvent {
	pending := map[string]float64{}
	out := events[:0]
	for _, ev := range events {
		switch ev.Type {
		case KeyDown:
			pending[ev.Key] = ev.Timestamp
		case KeyUp:
			if down, ok := pending[ev.Key]; ok {
				delete(pending, ev.Key)
				if ev.Timestamp < down-keyupTolerance {
					r.note(dataKey+".events", "keyup for %q precedes keydown; dropped", ev.Key)
					continue
				}
			}
		}
		out = append(out, ev)
	}
	return out
}

func (r *reader) mouse(data any, dataKey string) ([]MouseEvent, error) {
	var list []any
	if l, ok := asList(data); ok {
		list = l
	} else if obj, ok := asMap(data); ok {
		found := false
		for _, k := range []string{"events", "movements", "mouse_events", "positions", "clicks", "scrolls"} {
			v, present := obj[k]
			if !present || v == nil {
				continue
			}
			l, ok := asList(v)
			if !ok {
				r.note(dataKey+"."+k, "expected list, got %T; ignored", v)
				continue
			}
			found = true
			for _, item := range l {
				if k == "clicks" || k == "scrolls" {
					if o, ok := asMap(item); ok {
						if _, has := o["type"]; !has {
							o["type"] = strings.TrimSuffix(k, "s")
						}
					}
				}
				list = append(list, item)
			}
		}
		if !found {
			return nil, &ValidationError{Fields: []string{dataKey + ".events"}}
		}
	} else {
		return nil, &ValidationError{Fields: []string{dataKey}}
	}

	events := make([]MouseEvent, 0, len(list))
	for i, item := range list {
		path := fmt.Sprintf("%s.events[%d]", dataKey, i)
		obj, ok := asMap(item)
		if !ok {
			r.note(path, "expected object, got %T; dropped", item)
			continue
		}
		ts, ok := r.timestampMs(obj, path, "timestamp", "time", "ts", "t")
		if !ok {
			r.note(path+".timestamp", "missing timestamp; dropped")
			continue
		}
		ev := MouseEvent{
			X:            r.float(obj, path, 0, "x", "clientX", "pageX"),
			Y:            r.float(obj, path, 0, "y", "clientY", "pageY"),
			Timestamp:    ts,
			Button:       int(r.float(obj, path, 0, "button")),
			Velocity:     r.float(obj, path, 0, "velocity"),
			Acceleration: r.float(obj, path, 0, "acceleration"),
		}
		rawType := strings.ToLower(r.str(obj, path, "", "type", "event_type", "eventType"))
		switch rawType {
		case "move", "mousemove", "pointermove":
			ev.Type = MouseMove
		case "click", "mousedown", "mouseup", "dblclick", "pointerdown":
			ev.Type = MouseClick
		case "scroll", "wheel":
			ev.Type = MouseScroll
		default:
			r.note(path+".type", "unrecognized type %q; using %q", rawType, Unknown)
			ev.Type = Unknown
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events, nil
}

func (r *reader) responses(data any, dataKey string) ([]ResponseRecord, error) {
	list, err := eventList(data, dataKey, "responses", "answers", "response_data", "questions")
	if err != nil {
		return nil, err
	}

	out := make([]ResponseRecord, 0, len(list))
	index := map[string]int{}
	for i, item := range list {
		path := fmt.Sprintf("%s.responses[%d]", dataKey, i)
		obj, ok := asMap(item)
		if !ok {
			r.note(path, "expected object, got %T; dropped", item)
			continue
		}
		rec := ResponseRecord{
			QuestionID:    r.str(obj, path, "", "question_id", "questionId", "qid", "id"),
			Answer:        r.str(obj, path, "", "selected_answer", "answer", "selected", "choice", "response"),
			Correct:       r.boolean(obj, path, false, "is_correct", "correct", "isCorrect"),
			Topic:         r.str(obj, path, "general", "topic", "category", "subject"),
			AnswerChanges: int(r.float(obj, path, 0, "answer_changes", "changes", "changeCount", "change_count")),
		}
		if rec.QuestionID == "" {
			rec.QuestionID = fmt.Sprintf("q%d", i+1)
			r.note(path+".question_id", "missing; using %q", rec.QuestionID)
		}
		if ts, ok := r.timestampMs(obj, path, "timestamp", "time", "ts"); ok {
			rec.Timestamp = ts
		}
		rec.ResponseTime = r.responseTime(obj, path)
		rec.Difficulty = r.difficulty(obj, path)

		if prev, dup := index[rec.QuestionID]; dup {
			r.note(path+".question_id", "duplicate %q; later response kept", rec.QuestionID)
			out[prev] = rec
			continue
		}
		index[rec.QuestionID] = len(out)
		out = append(out, rec)
	}
	return out, nil
}

func (r *reader) responseTime(obj map[string]any, path string) float64 {
	var secs float64
	if _, _, ok := lookup(obj, "response_time", "responseTime", "time_taken", "duration"); ok {
		secs = r.float(obj, path, 0, "response_time", "responseTime", "time_taken", "duration")
	} else if _, _, ok := lookup(obj, "response_time_ms", "responseTimeMs"); ok {
		secs = r.float(obj, path, 0, "response_time_ms", "responseTimeMs") / 1000
	}
	if secs <= 0 {
		r.note(path+".response_time", "missing or non-positive; treated as unknown")
		return 0
	}
	return secs
}

var difficultyLabels = map[string]float64{
	"easy": 0.2, "low": 0.2,
	"medium": 0.5, "moderate": 0.5,
	"hard": 0.8, "high": 0.8, "difficult": 0.8,
}

// difficulty maps labels and 0-10 or 0-100 scales onto [0,1].
func (r *reader) difficulty(obj map[string]any, path string) float64 {
	v, key, ok := lookup(obj, "difficulty", "difficulty_level", "level")
	if !ok {
		r.note(path+".difficulty", "missing; using 0.5")
		return 0.5
	}
	if s, isStr := v.(string); isStr {
		if d, known := difficultyLabels[strings.ToLower(strings.TrimSpace(s))]; known {
			return d
		}
	}
	d, ok := asFloat(v)
	if !ok {
		r.note(path+"."+key, "unparseable difficulty %v; using 0.5", v)
		return 0.5
	}
	switch {
	case d > 10 && d <= 100:
		r.note(path+"."+key, "scaled from 0-100")
		d /= 100
	case d > 1 && d <= 10:
		r.note(path+"."+key, "scaled from 0-10")
		d /= 10
	}
	if d < 0 || d > 1 {
		r.note(path+"."+key, "clamped %v into [0,1]", d)
	}
	return math.Max(0, math.Min(1, d))
}

func (r *reader) metadata(obj map[string]any, path string) Metadata {
	md := Metadata{
		StartTime: r.time(obj, path, "start_time", "startTime", "started_at"),
		EndTime:   r.time(obj, path, "end_time", "endTime", "ended_at"),
		IP:        r.str(obj, path, "", "ip_address", "ip", "ipAddress"),
		UserAgent: r.str(obj, path, "", "user_agent", "userAgent"),
		Timezone:  r.str(obj, path, "", "timezone", "claimed_timezone"),
	}
	if geo, _ := r.object(obj, path, "geolocation", "geo", "location"); geo != nil {
		md.Geolocation = &Geolocation{
			Country:   r.str(geo, path+".geolocation", "", "country", "country_code"),
			Region:    r.str(geo, path+".geolocation", "", "region", "state"),
			City:      r.str(geo, path+".geolocation", "", "city"),
			Timezone:  r.str(geo, path+".geolocation", "", "timezone", "time_zone", "tz"),
			Latitude:  r.float(geo, path+".geolocation", 0, "latitude", "lat"),
			Longitude: r.float(geo, path+".geolocation", 0, "longitude", "lon", "lng"),
		}
	}
	return md
}

func (r *reader) device(data any, dataKey string) (*DeviceData, error) {
	obj, ok := asMap(data)
	if !ok {
		return nil, &ValidationError{Fields: []string{dataKey}}
	}
	d := &DeviceData{
		DeviceID:   r.str(obj, dataKey, "", "device_id", "deviceId", "fingerprint_id", "visitor_id"),
		OS:         r.str(obj, dataKey, "", "os", "operating_system", "platform_os"),
		Timezone:   r.str(obj, dataKey, "", "timezone"),
		CanvasHash: r.str(obj, dataKey, "", "canvas_hash", "canvasHash", "canvas"),
	}

	if hw, present := r.object(obj, dataKey, "hardware", "hardware_info", "hardwareInfo"); hw != nil {
		p := dataKey + ".hardware"
		d.Hardware = &HardwareInfo{
			Vendor:   r.str(hw, p, "", "vendor", "manufacturer"),
			Model:    r.str(hw, p, "", "model", "product"),
			Cores:    int(r.float(hw, p, 0, "cores", "cpu_cores", "hardwareConcurrency", "hardware_concurrency")),
			MemoryGB: r.float(hw, p, 0, "memory_gb", "memory", "deviceMemory", "device_memory"),
		}
	} else if present {
		d.Degraded = append(d.Degraded, "hardware")
	}

	if gpu, present := r.object(obj, dataKey, "gpu", "webgl", "graphics"); gpu != nil {
		p := dataKey + ".gpu"
		d.GPU = &GPUInfo{
			Vendor:   r.str(gpu, p, "", "vendor", "unmasked_vendor", "unmaskedVendor"),
			Renderer: r.str(gpu, p, "", "renderer", "unmasked_renderer", "unmaskedRenderer"),
		}
	} else if present {
		d.Degraded = append(d.Degraded, "gpu")
	}

	if sc, present := r.object(obj, dataKey, "screen", "display", "screen_info"); sc != nil {
		p := dataKey + ".screen"
		d.Screen = &ScreenInfo{
			Width:      int(r.float(sc, p, 0, "width", "w")),
			Height:     int(r.float(sc, p, 0, "height", "h")),
			ColorDepth: int(r.float(sc, p, 0, "color_depth", "colorDepth")),
			PixelRatio: r.float(sc, p, 0, "pixel_ratio", "pixelRatio", "devicePixelRatio"),
		}
	} else if present {
		d.Degraded = append(d.Degraded, "screen")
	}

	browser := obj
	if b, present := r.object(obj, dataKey, "browser", "navigator"); b != nil {
		browser = b
	} else if present {
		d.Degraded = append(d.Degraded, "browser")
	}
	p := dataKey + ".browser"
	d.Browser = BrowserInfo{
		UserAgent: r.str(browser, p, "", "user_agent", "userAgent", "ua"),
		Platform:  r.str(browser, p, "", "platform"),
		Language:  r.str(browser, p, "", "language", "lang"),
		Webdriver: r.boolean(browser, p, false, "webdriver", "automation"),
		Plugins:   int(r.float(browser, p, 0, "plugins", "plugins_count", "pluginsLength")),
		Fonts:     r.strings(browser, p, "fonts"),
	}
	if d.Browser.UserAgent == "" {
		d.Browser.UserAgent = r.str(obj, dataKey, "", "user_agent", "userAgent")
	}
	return d, nil
}

func (r *reader) timezone(data any, dataKey string) (*TimezoneData, error) {
	obj, ok := asMap(data)
	if !ok {
		return nil, &ValidationError{Fields: []string{dataKey}}
	}
	tz := &TimezoneData{
		Claimed:          r.str(obj, dataKey, "", "claimed_timezone", "claimed", "timezone"),
		System:           r.str(obj, dataKey, "", "system_timezone", "system"),
		Browser:          r.str(obj, dataKey, "", "browser_timezone", "browser", "intl_timezone"),
		IPTimezone:       r.str(obj, dataKey, "", "ip_timezone", "geo_timezone", "ip_geolocation_timezone"),
		NTPDriftMs:       math.Abs(r.float(obj, dataKey, 0, "ntp_drift_ms", "time_drift_ms", "clock_skew_ms", "ntp_offset_ms")),
		ActivityHoursUTC: r.ints(obj, dataKey, "activity_hours_utc", "activity_hours"),
	}
	if _, _, ok := lookup(obj, "timezone_offset", "offset_minutes", "timezoneOffset"); ok {
		off := int(r.float(obj, dataKey, 0, "timezone_offset", "offset_minutes", "timezoneOffset"))
		tz.OffsetMinutes = &off
	}
	return tz, nil
}

func (r *reader) network(data any, dataKey string) (*NetworkData, error) {
	obj, ok := asMap(data)
	if !ok {
		return nil, &ValidationError{Fields: []string{dataKey}}
	}
	return &NetworkData{
		IP:             r.str(obj, dataKey, "", "ip_address", "ip", "public_ip"),
		ConnectionType: r.str(obj, dataKey, "", "connection_type", "effectiveType", "effective_type"),
		RTTMs:          r.float(obj, dataKey, 0, "rtt_ms", "rtt"),
		DownlinkMbps:   r.float(obj, dataKey, 0, "downlink_mbps", "downlink"),
		WebRTCIPs:      r.strings(obj, dataKey, "webrtc_ips", "local_ips", "webrtcIps"),
		ReportedProxy:  r.boolean(obj, dataKey, false, "proxy", "vpn", "proxy_detected", "vpn_detected"),
	}, nil
}

func mergeMetadata(dst, src Metadata) Metadata {
	if !src.StartTime.IsZero() {
		dst.StartTime = src.StartTime
	}
	if !src.EndTime.IsZero() {
		dst.EndTime = src.EndTime
	}
	if src.IP != "" {
		dst.IP = src.IP
	}
	if src.UserAgent != "" {
		dst.UserAgent = src.UserAgent
	}
	if src.Timezone != "" {
		dst.Timezone = src.Timezone
	}
	if src.Geolocation != nil {
		dst.Geolocation = src.Geolocation
	}
	return dst
}
