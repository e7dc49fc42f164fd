package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Version is a firmware release number.
type Version struct {
	Major, Minor, Patch int
}

var (
	// FullFirmware is the oldest full firmware the engine speaks to.
	FullFirmware = Version{0, 6, 6}
	// MinimalFirmware is the oldest minimal-mode firmware supported.
	MinimalFirmware = Version{0, 0, 2}
)

const (
	fwDownloadURL     = "https://github.com/SensoriumEmbedded/TeensyROM/tree/main/bin/TeensyROM"
	fwInstructionsURL = "https://github.com/SensoriumEmbedded/TeensyROM/blob/main/docs/General_Usage.md#firmware-updates"
)

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+`)

// ParseVersion finds the first x.y.z number in text.
func ParseVersion(text string) (Version, bool) {
	m := versionPattern.FindString(text)
	if m == "" {
		return Version{}, false
	}
	parts := strings.Split(m, ".")
	var v Version
	for i, dst := range []*int{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, false
		}
		*dst = n
	}
	return v, true
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// AtLeast reports whether v >= o.
func (v Version) AtLeast(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch >= o.Patch
}

// VersionInfo is what a version banner says about the cartridge.
type VersionInfo struct {
	IsCart     bool
	Busy       bool
	Minimal    bool
	Compatible bool
	// Version is empty when the banner carried no version number.
	Version string
}

// VersionCheck classifies a banner. A busy cartridge is recognised but its
// version is unknown.
func VersionCheck(response string) VersionInfo {
	lower := strings.ToLower(response)
	if strings.Contains(lower, "busy") {
		return VersionInfo{IsCart: true, Busy: true}
	}
	info := VersionInfo{
		IsCart:  strings.Contains(lower, "teensyrom"),
		Minimal: strings.Contains(lower, "minimal"),
	}
	v, ok := ParseVersion(response)
	if !ok {
		return info
	}
	info.Version = v.String()
	if info.Minimal {
		info.Compatible = v.AtLeast(MinimalFirmware)
	} else {
		info.Compatible = v.AtLeast(FullFirmware)
	}
	return info
}

// Alerter receives user-facing notices.
type Alerter interface {
	Publish(msg string)
}

// VersionGate logs and alerts on the outcome of firmware checks. It
// satisfies transport.VersionChecker.
type VersionGate struct {
	alerts Alerter
	log    *zap.Logger
}

// NewVersionGate returns a gate publishing to alerts. alerts may be nil.
func NewVersionGate(alerts Alerter, log *zap.Logger) *VersionGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &VersionGate{alerts: alerts, log: log.Named("firmware")}
}

// Check reports whether the banner shows a supported firmware.
func (g *VersionGate) Check(response string) bool {
	info := VersionCheck(response)
	if info.Compatible {
		g.log.Info("version check passed", zap.String("version", info.Version), zap.Bool("minimal", info.Minimal))
		return true
	}

	required := FullFirmware.String()
	g.alert(fmt.Sprintf("TeensyROM firmware check failed. v%s+ is required. (See: Terminal Logs)", required))
	g.log.Error("firmware check failed", zap.String("required", required))
	if info.Version == "" {
		g.alert("Unable to determine the version of TeensyROM. (See: Terminal Logs)")
		g.log.Error("unable to determine the firmware version", zap.String("response", strings.TrimSpace(response)))
	} else {
		g.log.Error("firmware version is not supported and may lead to unexpected results", zap.String("version", info.Version))
	}
	g.log.Error("firmware update",
		zap.String("download", fwDownloadURL),
		zap.String("instructions", fwInstructionsURL),
	)
	return false
}

func (g *VersionGate) alert(msg string) {
	if g.alerts != nil {
		g.alerts.Publish(msg)
	}
}
