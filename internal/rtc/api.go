package rtc

import (
	"time"

	"github.com/mossy-p/p2p-call-signaling/config"
	"github.com/mossy-p/p2p-call-signaling/internal/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Config configures the pion engine
type Config struct {
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	// Net replaces the host network, e.g. with a vnet in tests
	Net    transport.Net
	Logger zerolog.Logger
}

// ConfigFromPeer builds engine settings from participant configuration.
func ConfigFromPeer(cfg *config.PeerConfig, logger zerolog.Logger) Config {
	var servers []webrtc.ICEServer
	if stun := cfg.STUNServers(); stun != nil {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := cfg.TURNServers(); turn != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}
	return Config{
		ICEServers:    servers,
		GatherTimeout: cfg.GatherTimeout,
		Logger:        logger,
	}
}

// NewAPI builds a pion API with the default codecs and pion's logs routed
// into zerolog.
func NewAPI(cfg Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: logging.PionFactory{Base: cfg.Logger.Level(zerolog.WarnLevel)},
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
