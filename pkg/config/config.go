package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the media router, injected
// entirely from process environment variables.
type Config struct {
	// AnnouncedIP is advertised as the public candidate address for both
	// client and egress transports, so devices and NAT peers behind this
	// host can form ICE connectivity.
	AnnouncedIP string

	// ListenHost is the host the signaling WebSocket endpoint binds to.
	ListenHost string
	ListenPort int

	// WebRTCPortMin/Max bound the ICE agent's UDP allocation range for
	// client transports.
	WebRTCPortMin int
	WebRTCPortMax int

	// EgressPortMin/Max bound the plain-RTP UDP port pool used by egress
	// transports. Must be disjoint from the WebRTC range.
	EgressPortMin int
	EgressPortMax int

	// Codecs lists the supported codec names, in preference order.
	Codecs []string

	// GraceWindow is how long a disconnected device's registry record is
	// kept before it is removed. The device's producers and streams are
	// closed when its session closes, not at the end of this window.
	GraceWindow time.Duration
}

// defaults mirror the values called out as defaults in the routing design:
// a 100-port egress pool (50 RTP/RTCP pairs) starting at 20000, and a
// 30 second grace window.
const (
	defaultWebRTCPortMin = 40000
	defaultWebRTCPortMax = 40999
	defaultEgressPortMin = 20000
	defaultEgressPortMax = 20100
	defaultGraceWindow   = 30 * time.Second
	defaultListenHost    = "0.0.0.0"
	defaultListenPort    = 8443
)

var defaultCodecs = []string{"opus", "VP8", "VP9", "H264"}

// Load reads configuration from the process environment. AnnouncedIP is
// the only field with no usable default: without it, client transports
// would advertise an unreachable address to remote ICE peers, so its
// absence is a hard error rather than a silent fallback.
func Load() (*Config, error) {
	cfg := &Config{
		ListenHost:    getEnv("SIGNAL_LISTEN_HOST", defaultListenHost),
		WebRTCPortMin: defaultWebRTCPortMin,
		WebRTCPortMax: defaultWebRTCPortMax,
		EgressPortMin: defaultEgressPortMin,
		EgressPortMax: defaultEgressPortMax,
		GraceWindow:   defaultGraceWindow,
		Codecs:        defaultCodecs,
	}

	cfg.AnnouncedIP = strings.TrimSpace(os.Getenv("ANNOUNCED_IP"))

	var err error
	if cfg.ListenPort, err = getEnvInt("SIGNAL_LISTEN_PORT", defaultListenPort); err != nil {
		return nil, err
	}
	if cfg.WebRTCPortMin, err = getEnvInt("WEBRTC_PORT_MIN", defaultWebRTCPortMin); err != nil {
		return nil, err
	}
	if cfg.WebRTCPortMax, err = getEnvInt("WEBRTC_PORT_MAX", defaultWebRTCPortMax); err != nil {
		return nil, err
	}
	if cfg.EgressPortMin, err = getEnvInt("EGRESS_PORT_MIN", defaultEgressPortMin); err != nil {
		return nil, err
	}
	if cfg.EgressPortMax, err = getEnvInt("EGRESS_PORT_MAX", defaultEgressPortMax); err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(os.Getenv("GRACE_WINDOW")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse GRACE_WINDOW: %w", err)
		}
		cfg.GraceWindow = d
	}

	if raw := strings.TrimSpace(os.Getenv("SUPPORTED_CODECS")); raw != "" {
		var codecs []string
		for _, c := range strings.Split(raw, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				codecs = append(codecs, c)
			}
		}
		if len(codecs) > 0 {
			cfg.Codecs = codecs
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// Validate checks that the configuration describes a usable, non-conflicting
// port layout and that all required fields are present.
func (c *Config) Validate() error {
	if c.AnnouncedIP == "" {
		return fmt.Errorf("missing ANNOUNCED_IP")
	}
	if c.WebRTCPortMin >= c.WebRTCPortMax {
		return fmt.Errorf("WEBRTC_PORT_MIN (%d) must be less than WEBRTC_PORT_MAX (%d)", c.WebRTCPortMin, c.WebRTCPortMax)
	}
	if c.EgressPortMin >= c.EgressPortMax {
		return fmt.Errorf("EGRESS_PORT_MIN (%d) must be less than EGRESS_PORT_MAX (%d)", c.EgressPortMin, c.EgressPortMax)
	}
	if rangesOverlap(c.WebRTCPortMin, c.WebRTCPortMax, c.EgressPortMin, c.EgressPortMax) {
		return fmt.Errorf("WEBRTC port range [%d-%d] overlaps EGRESS port range [%d-%d]",
			c.WebRTCPortMin, c.WebRTCPortMax, c.EgressPortMin, c.EgressPortMax)
	}
	if len(c.Codecs) == 0 {
		return fmt.Errorf("no supported codecs configured")
	}
	if c.GraceWindow <= 0 {
		return fmt.Errorf("GRACE_WINDOW must be positive")
	}
	return nil
}

func rangesOverlap(aMin, aMax, bMin, bMax int) bool {
	return aMin <= bMax && bMin <= aMax
}
