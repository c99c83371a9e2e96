package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
)

// tomlConfig describes the TOML configuration. Every key is optional and
// overrides the corresponding default.
type tomlConfig struct {
	PeerID   string       `toml:"peer_id"`
	Protocol protocolConf `toml:"protocol"`
	Timeouts timeoutsConf `toml:"timeouts"`
	Path     pathConf     `toml:"path"`
}

// protocolConf describes the [protocol] block.
type protocolConf struct {
	StopAndWait          bool    `toml:"stop_and_wait"`
	WindowSize           *int    `toml:"window_size"`
	SequenceModulus      *uint64 `toml:"sequence_modulus"`
	Role                 string  `toml:"role"`
	MaxMalformedSegments *int    `toml:"max_malformed_segments"`
	ISS                  *uint32 `toml:"iss"`
}

// timeoutsConf describes the [timeouts] block. Values are Go durations.
type timeoutsConf struct {
	Retransmission      string `toml:"retransmission"`
	RetransmissionCheck string `toml:"retransmission_check"`
	Handshake           string `toml:"handshake"`
	Idle                string `toml:"idle"`
}

// pathConf describes the [path] block.
type pathConf struct {
	MTU                *int `toml:"mtu"`
	LowerLayerOverhead *int `toml:"lower_layer_overhead"`
}

// FileConfig is the result of parsing a configuration file.
type FileConfig struct {
	// Options are the protocol options.
	Options *model.Options

	// PeerID is the local peer identifier, or empty.
	PeerID model.PeerID
}

// ReadConfigFile parses the given TOML file and returns validated options.
func ReadConfigFile(filename string) (*FileConfig, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, err
	}
	return conf.toFileConfig()
}

func (conf *tomlConfig) toFileConfig() (*FileConfig, error) {
	opts := model.NewOptions()
	if conf.Protocol.StopAndWait {
		opts = model.NewStopAndWaitOptions()
	}

	p := conf.Protocol
	if p.WindowSize != nil {
		opts.WindowSize = *p.WindowSize
	}
	if p.SequenceModulus != nil {
		opts.SequenceModulus = *p.SequenceModulus
	}
	if p.MaxMalformedSegments != nil {
		opts.MaxMalformedSegments = *p.MaxMalformedSegments
	}
	if p.ISS != nil {
		opts.ISS = optional.Some(*p.ISS)
	}
	role, err := model.NewRoleFromString(p.Role)
	if err != nil {
		return nil, err
	}
	opts.Role = role

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"timeouts.retransmission", conf.Timeouts.Retransmission, &opts.RetransmissionTimeout},
		{"timeouts.retransmission_check", conf.Timeouts.RetransmissionCheck, &opts.RetransmissionCheckInterval},
		{"timeouts.handshake", conf.Timeouts.Handshake, &opts.HandshakeTimeout},
		{"timeouts.idle", conf.Timeouts.Idle, &opts.IdleTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", model.ErrInvalidOptions, d.name, err)
		}
		*d.dst = v
	}

	if conf.Path.MTU != nil {
		opts.PathMTU = *conf.Path.MTU
	}
	if conf.Path.LowerLayerOverhead != nil {
		opts.LowerLayerOverhead = *conf.Path.LowerLayerOverhead
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &FileConfig{Options: opts, PeerID: model.PeerID(conf.PeerID)}, nil
}
