package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// Default participant settings
const (
	DefaultSignalingURL  = "ws://localhost:8080/ws"
	DefaultSTUN          = "stun:stun.l.google.com:19302"
	DefaultGatherTimeout = 2 * time.Second
)

// PeerConfig configures a participant process
type PeerConfig struct {
	SignalingURL  string
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
	GatherTimeout time.Duration
}

// LoadPeer resolves participant settings: flags > env > defaults. flags
// holds CLI values; empty fields fall through to the environment.
func LoadPeer(flags PeerConfig) (*PeerConfig, error) {
	cfg := &PeerConfig{
		SignalingURL:  firstNonEmpty(flags.SignalingURL, os.Getenv("SIGNALING_URL"), DefaultSignalingURL),
		STUNServer:    firstNonEmpty(flags.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN),
		TURNServer:    firstNonEmpty(flags.TURNServer, os.Getenv("TURN_SERVER")),
		TURNUser:      firstNonEmpty(flags.TURNUser, os.Getenv("TURN_USERNAME")),
		TURNPass:      firstNonEmpty(flags.TURNPass, os.Getenv("TURN_PASSWORD")),
		GatherTimeout: flags.GatherTimeout,
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = getEnvDuration("ICE_GATHER_TIMEOUT", DefaultGatherTimeout)
	}

	u, err := url.Parse(cfg.SignalingURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid signaling URL scheme %q", u.Scheme)
	}
	return cfg, nil
}

// STUNServers returns STUN server URLs
func (c *PeerConfig) STUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// TURNServers returns TURN server URLs if configured
func (c *PeerConfig) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{c.TURNServer}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
