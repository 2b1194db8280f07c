package telemetry

import "time"

// Modality identifies one telemetry stream of a session.
type Modality string

const (
	ModalityKeystroke Modality = "keystroke"
	ModalityMouse     Modality = "mouse"
	ModalityResponses Modality = "responses"
	ModalityDevice    Modality = "device"
	ModalityTimezone  Modality = "timezone"
	ModalityNetwork   Modality = "network"
)

// DataKey is the request body key carrying the modality payload.
func (m Modality) DataKey() string {
	switch m {
	case ModalityKeystroke:
		return "keystroke_data"
	case ModalityMouse:
		return "mouse_data"
	case ModalityResponses:
		return "session_data"
	case ModalityDevice:
		return "device_data"
	case ModalityTimezone:
		return "timezone_data"
	case ModalityNetwork:
		return "network_data"
	}
	return ""
}

// Keystroke event types.
const (
	KeyDown = "down"
	KeyUp   = "up"
)

// Mouse event types.
const (
	MouseMove   = "move"
	MouseClick  = "click"
	MouseScroll = "scroll"
)

// Unknown is the canonical value for an unrecognized enum field.
const Unknown = "unknown"

// KeystrokeEvent is one key transition. Timestamps are milliseconds.
type KeystrokeEvent struct {
	Key       string  `json:"key"`
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Pressure  float64 `json:"pressure"`
}

// MouseEvent is one pointer sample or action. Timestamps are milliseconds.
type MouseEvent struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Type         string  `json:"type"`
	Timestamp    float64 `json:"timestamp"`
	Button       int     `json:"button,omitempty"`
	Velocity     float64 `json:"velocity,omitempty"`
	Acceleration float64 `json:"acceleration,omitempty"`
}

// ResponseRecord is one answered question.
type ResponseRecord struct {
	QuestionID    string  `json:"question_id"`
	Answer        string  `json:"answer"`
	Correct       bool    `json:"correct"`
	ResponseTime  float64 `json:"response_time"` // seconds; 0 when not reported
	Difficulty    float64 `json:"difficulty"`    // 0 (easy) to 1 (hard)
	Topic         string  `json:"topic"`
	Timestamp     float64 `json:"timestamp"`
	AnswerChanges int     `json:"answer_changes"`
}

type Geolocation struct {
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

type Metadata struct {
	StartTime   time.Time    `json:"start_time,omitempty"`
	EndTime     time.Time    `json:"end_time,omitempty"`
	IP          string       `json:"ip,omitempty"`
	UserAgent   string       `json:"user_agent,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`
}

type HardwareInfo struct {
	Vendor   string  `json:"vendor,omitempty"`
	Model    string  `json:"model,omitempty"`
	Cores    int     `json:"cores,omitempty"`
	MemoryGB float64 `json:"memory_gb,omitempty"`
}

type GPUInfo struct {
	Vendor   string `json:"vendor,omitempty"`
	Renderer string `json:"renderer,omitempty"`
}

type ScreenInfo struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	ColorDepth int     `json:"color_depth,omitempty"`
	PixelRatio float64 `json:"pixel_ratio,omitempty"`
}

type BrowserInfo struct {
	UserAgent string   `json:"user_agent,omitempty"`
	Platform  string   `json:"platform,omitempty"`
	Language  string   `json:"language,omitempty"`
	Webdriver bool     `json:"webdriver"`
	Plugins   int      `json:"plugins,omitempty"`
	Fonts     []string `json:"fonts,omitempty"`
}

// DeviceData is the validated device document. Sub-objects are nil when
// absent or malformed; malformed ones are listed in Degraded.
type DeviceData struct {
	DeviceID   string        `json:"device_id,omitempty"`
	Hardware   *HardwareInfo `json:"hardware,omitempty"`
	GPU        *GPUInfo      `json:"gpu,omitempty"`
	Screen     *ScreenInfo   `json:"screen,omitempty"`
	Browser    BrowserInfo   `json:"browser"`
	OS         string        `json:"os,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
	CanvasHash string        `json:"canvas_hash,omitempty"`
	Degraded   []string      `json:"degraded,omitempty"`
}

type TimezoneData struct {
	Claimed          string  `json:"claimed,omitempty"`
	System           string  `json:"system,omitempty"`
	Browser          string  `json:"browser,omitempty"`
	IPTimezone       string  `json:"ip_timezone,omitempty"`
	OffsetMinutes    *int    `json:"offset_minutes,omitempty"` // JS getTimezoneOffset convention
	NTPDriftMs       float64 `json:"ntp_drift_ms"`
	ActivityHoursUTC []int   `json:"activity_hours_utc,omitempty"`
}

type NetworkData struct {
	IP             string   `json:"ip,omitempty"`
	ConnectionType string   `json:"connection_type,omitempty"`
	RTTMs          float64  `json:"rtt_ms,omitempty"`
	DownlinkMbps   float64  `json:"downlink_mbps,omitempty"`
	WebRTCIPs      []string `json:"webrtc_ips,omitempty"`
	ReportedProxy  bool     `json:"reported_proxy"`
}

// Session is the validated aggregate for one assessment attempt.
type Session struct {
	ID         string           `json:"session_id"`
	Keystrokes []KeystrokeEvent `json:"keystrokes"`
	Mouse      []MouseEvent     `json:"mouse"`
	Responses  []ResponseRecord `json:"responses"`
	Device     *DeviceData      `json:"device,omitempty"`
	DeviceID   string           `json:"device_id,omitempty"`
	Timezone   *TimezoneData    `json:"timezone,omitempty"`
	Network    *NetworkData     `json:"network,omitempty"`
	Metadata   Metadata         `json:"metadata"`
	Signals    *RequestSignals  `json:"request_signals,omitempty"`

	Submissions map[Modality]int `json:"submissions"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewSession returns an empty session for id.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:          id,
		Submissions: map[Modality]int{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Has reports whether the session holds data for the modality.
func (s *Session) Has(m Modality) bool {
	switch m {
	case ModalityKeystroke:
		return len(s.Keystrokes) > 0
	case ModalityMouse:
		return len(s.Mouse) > 0
	case ModalityResponses:
		return len(s.Responses) > 0
	case ModalityDevice:
		return s.Device != nil
	case ModalityTimezone:
		return s.Timezone != nil
	case ModalityNetwork:
		return s.Network != nil
	}
	return false
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Keystrokes = append([]KeystrokeEvent(nil), s.Keystrokes...)
	c.Mouse = append([]MouseEvent(nil), s.Mouse...)
	c.Responses = append([]ResponseRecord(nil), s.Responses...)
	if s.Device != nil {
		d := *s.Device
		c.Device = &d
	}
	if s.Timezone != nil {
		tz := *s.Timezone
		c.Timezone = &tz
	}
	if s.Network != nil {
		n := *s.Network
		c.Network = &n
	}
	if s.Metadata.Geolocation != nil {
		g := *s.Metadata.Geolocation
		c.Metadata.Geolocation = &g
	}
	if s.Signals != nil {
		sig := *s.Signals
		c.Signals = &sig
	}
	c.Submissions = make(map[Modality]int, len(s.Submissions))
	for k, v := range s.Submissions {
		c.Submissions[k] = v
	}
	return &c
}
