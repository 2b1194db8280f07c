package detection

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/shortontech/goproctor/internal/telemetry"
)

// Verdict is what a single environment signal says about the host.
type Verdict string

const (
	VerdictVirtual  Verdict = "virtual"
	VerdictPhysical Verdict = "physical"
	VerdictUnknown  Verdict = "unknown"
)

const (
	vmVirtualAt  = 0.6
	vmPhysicalAt = 0.3
)

var (
	vmHardwareMarkers = []string{
		"vmware", "virtualbox", "vbox", "innotek", "qemu", "kvm", "xen",
		"parallels", "hyper-v", "virtual machine", "bochs", "bhyve",
	}
	vmRendererMarkers = []string{
		"swiftshader", "llvmpipe", "softpipe", "vmware svga", "svga3d", "virtualbox",
		"parallels", "virgl", "microsoft basic render", "chromium software",
	}
	// Default resolutions of common hypervisor display adapters.
	vmScreens = map[string]bool{
		"800x600": true, "1024x768": true, "1280x800": true, "1152x864": true,
	}
)

type VMSignal struct {
	Name     string  `json:"name"`
	Verdict  Verdict `json:"verdict"`
	Weight   float64 `json:"weight"`
	Evidence string  `json:"evidence,omitempty"`
}

type ConfidenceMetrics struct {
	DetectionQuality float64 `json:"detection_quality"`
	SignalsKnown     int     `json:"signals_known"`
	SignalsTotal     int     `json:"signals_total"`
}

type VMDetails struct {
	Probability       float64           `json:"vm_probability"`
	Classification    Verdict           `json:"classification"`
	Signals           []VMSignal        `json:"signals"`
	ConfidenceMetrics ConfidenceMetrics `json:"confidence_metrics"`
}

var vmAdvice = map[string]string{
	"hardware": "Hardware identifies a hypervisor; require a physical device",
	"gpu":      "Software or virtual GPU renderer detected",
	"software": "Browser automation flags present in the environment",
	"screen":   "Screen matches a hypervisor default resolution",
	"network":  "Session originates from a datacenter network",
}

// VMDetector decides whether the session runs inside a virtual machine.
// Degraded signals count as unknown and lower detection quality.
type VMDetector struct {
	Settings Settings
}

func (d *VMDetector) Type() Type { return TypeVM }

func (d *VMDetector) Detect(_ context.Context, in Input) Result {
	s := in.Session
	if s == nil || (s.Device == nil && s.Network == nil) {
		return Unavailable(d.Type(), in, "no device or network data submitted")
	}
	dev := s.Device
	if dev == nil {
		dev = &telemetry.DeviceData{}
	}

	signals := []VMSignal{
		hardwareSignal(dev),
		gpuSignal(dev),
		softwareSignal(dev, s),
		screenSignal(dev),
		networkSignal(s),
	}

	var virtual, known float64
	details := &VMDetails{Signals: signals, Classification: VerdictUnknown}
	subs := make([]SubAnalysis, 0, len(signals))
	for _, sig := range signals {
		sub := SubAnalysis{Name: sig.Name, Metrics: map[string]float64{"weight": sig.Weight}}
		switch sig.Verdict {
		case VerdictVirtual:
			virtual += sig.Weight
			known += sig.Weight
			details.ConfidenceMetrics.SignalsKnown++
			sub.Available, sub.Score, sub.Fired = true, 1, true
		case VerdictPhysical:
			known += sig.Weight
			details.ConfidenceMetrics.SignalsKnown++
			sub.Available = true
		default:
			sub.Reason = sig.Evidence
		}
		subs = append(subs, sub)
	}
	details.ConfidenceMetrics.SignalsTotal = len(signals)
	details.ConfidenceMetrics.DetectionQuality = float64(details.ConfidenceMetrics.SignalsKnown) / float64(len(signals))
	if known > 0 {
		details.Probability = virtual / known
		switch {
		case details.Probability >= vmVirtualAt:
			details.Classification = VerdictVirtual
		case details.Probability <= vmPhysicalAt:
			details.Classification = VerdictPhysical
		}
	}

	res := finish(d.Type(), in, d.Settings.Thresholds, details.Probability, details.ConfidenceMetrics.DetectionQuality, subs, vmAdvice)
	res.VM = details
	return res
}

func degraded(dev *telemetry.DeviceData, field string) bool {
	for _, f := range dev.Degraded {
		if f == field {
			return true
		}
	}
	return false
}

func missing(dev *telemetry.DeviceData, name, field string, w float64) VMSignal {
	if degraded(dev, field) {
		return VMSignal{Name: name, Verdict: VerdictUnknown, Weight: w, Evidence: field + " signal degraded"}
	}
	return VMSignal{Name: name, Verdict: VerdictUnknown, Weight: w, Evidence: field + " not reported"}
}

func containsAny(s string, markers []string) (string, bool) {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return m, true
		}
	}
	return "", false
}

func hardwareSignal(dev *telemetry.DeviceData) VMSignal {
	const w = 0.25
	hw := dev.Hardware
	if hw == nil {
		return missing(dev, "hardware", "hardware", w)
	}
	if m, ok := containsAny(hw.Vendor+" "+hw.Model, vmHardwareMarkers); ok {
		return VMSignal{Name: "hardware", Verdict: VerdictVirtual, Weight: w, Evidence: "hypervisor vendor " + m}
	}
	if hw.Cores > 0 && hw.Cores <= 2 && hw.MemoryGB > 0 && hw.MemoryGB <= 2 {
		return VMSignal{Name: "hardware", Verdict: VerdictVirtual, Weight: w, Evidence: fmt.Sprintf("%d cores with %gGB memory", hw.Cores, hw.MemoryGB)}
	}
	if hw.Cores == 0 && hw.Vendor == "" && hw.Model == "" {
		return VMSignal{Name: "hardware", Verdict: VerdictUnknown, Weight: w, Evidence: "hardware fields empty"}
	}
	return VMSignal{Name: "hardware", Verdict: VerdictPhysical, Weight: w}
}

func gpuSignal(dev *telemetry.DeviceData) VMSignal {
	const w = 0.3
	g := dev.GPU
	if g == nil || (g.Renderer == "" && g.Vendor == "") {
		return missing(dev, "gpu", "gpu", w)
	}
	if m, ok := containsAny(g.Vendor+" "+g.Renderer, vmRendererMarkers); ok {
		return VMSignal{Name: "gpu", Verdict: VerdictVirtual, Weight: w, Evidence: "renderer " + m}
	}
	return VMSignal{Name: "gpu", Verdict: VerdictPhysical, Weight: w}
}

func softwareSignal(dev *telemetry.DeviceData, s *telemetry.Session) VMSignal {
	const w = 0.15
	ua := dev.Browser.UserAgent
	if ua == "" {
		ua = s.Metadata.UserAgent
	}
	if dev.Browser.Webdriver {
		return VMSignal{Name: "software", Verdict: VerdictVirtual, Weight: w, Evidence: "navigator.webdriver set"}
	}
	if ua == "" {
		return missing(dev, "software", "browser", w)
	}
	if a := telemetry.AnalyzeUserAgent(ua); a.ContainsAutomation {
		return VMSignal{Name: "software", Verdict: VerdictVirtual, Weight: w, Evidence: "user agent " + strings.Join(a.AutomationKeywords, ",")}
	}
	return VMSignal{Name: "software", Verdict: VerdictPhysical, Weight: w}
}

func screenSignal(dev *telemetry.DeviceData) VMSignal {
	const w = 0.1
	sc := dev.Screen
	if sc == nil || sc.Width <= 0 || sc.Height <= 0 {
		return missing(dev, "screen", "screen", w)
	}
	res := fmt.Sprintf("%dx%d", sc.Width, sc.Height)
	if vmScreens[res] && sc.PixelRatio <= 1 {
		return VMSignal{Name: "screen", Verdict: VerdictVirtual, Weight: w, Evidence: "resolution " + res}
	}
	return VMSignal{Name: "screen", Verdict: VerdictPhysical, Weight: w}
}

func networkSignal(s *telemetry.Session) VMSignal {
	const w = 0.2
	ip := s.Metadata.IP
	if s.Network != nil && s.Network.IP != "" {
		ip = s.Network.IP
	}
	if ip == "" || net.ParseIP(ip) == nil {
		return VMSignal{Name: "network", Verdict: VerdictUnknown, Weight: w, Evidence: "client address unknown"}
	}
	if telemetry.IsDatacenterIP(ip) {
		return VMSignal{Name: "network", Verdict: VerdictVirtual, Weight: w, Evidence: "datacenter address " + ip}
	}
	if telemetry.IsPrivateIP(ip) {
		return VMSignal{Name: "network", Verdict: VerdictUnknown, Weight: w, Evidence: "private address"}
	}
	return VMSignal{Name: "network", Verdict: VerdictPhysical, Weight: w}
}
