package config

import (
	"fmt"
	"strings"

	"github.com/braddevans/PorkLib/pkg/transport"
)

const (
	RoleServer = "server"
	RoleClient = "client"
)

// EndpointConfig describes one server or client endpoint.
// Example YAML:
//
//	endpoints:
//	  - name: game
//	    role: server
//	    kind: tcp
//	    address: ":25565"
//	    workers: 4
//	    max_frame_size: 2097152
//	    transforms:
//	      - kind: zlib
//	        level: 6
//	  - name: voice
//	    role: server
//	    kind: quic
//	    address: ":4433"
//	    fallback: unreliable_ordered
type EndpointConfig struct {
	Name    string `mapstructure:"name"`
	Role    string `mapstructure:"role"`
	Kind    string `mapstructure:"kind"`
	Address string `mapstructure:"address"`
	// Workers sizes the worker group; 0 uses GOMAXPROCS
	Workers int `mapstructure:"workers"`
	// MaxFrameSize bounds inbound stream frames; 0 uses the protocol default
	MaxFrameSize int `mapstructure:"max_frame_size"`
	// Fallback reliability for sends that do not name one
	Fallback string `mapstructure:"fallback"`
	// SendQueue bounds frames buffered per session ahead of the socket
	SendQueue  int               `mapstructure:"send_queue"`
	Transforms []TransformConfig `mapstructure:"transforms"`
}

// TransformConfig describes one stream transform stage.
type TransformConfig struct {
	// Kind: zlib or chacha20
	Kind string `mapstructure:"kind"`
	// Level is the zlib compression level
	Level int `mapstructure:"level"`
	// Key is the hex or base64 chacha20 key
	Key string `mapstructure:"key"`
}

// TransportKind parses Kind.
func (e EndpointConfig) TransportKind() (transport.Kind, error) {
	return transport.ParseKind(e.Kind)
}

// FallbackReliability parses Fallback; empty means RELIABLE_ORDERED.
func (e EndpointConfig) FallbackReliability() (transport.Reliability, error) {
	return transport.ParseReliability(e.Fallback)
}

func (e *EndpointConfig) normalize(i int) error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		e.Name = fmt.Sprintf("endpoint-%d", i)
	}
	e.Role = strings.ToLower(strings.TrimSpace(e.Role))
	if e.Role == "" {
		e.Role = RoleServer
	}
	if e.Role != RoleServer && e.Role != RoleClient {
		return fmt.Errorf("endpoints[%d]: invalid role %q", i, e.Role)
	}
	e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
	kind, err := e.TransportKind()
	if err != nil {
		return fmt.Errorf("endpoints[%d]: %w", i, err)
	}
	if strings.TrimSpace(e.Address) == "" {
		return fmt.Errorf("endpoints[%d]: address required", i)
	}
	if e.Workers < 0 || e.MaxFrameSize < 0 || e.SendQueue < 0 {
		return fmt.Errorf("endpoints[%d]: negative size", i)
	}
	if _, err := e.FallbackReliability(); err != nil {
		return fmt.Errorf("endpoints[%d]: %w", i, err)
	}
	if len(e.Transforms) > 0 && !kind.Stream() {
		return fmt.Errorf("endpoints[%d]: transforms require a stream transport, got %s", i, kind)
	}
	for j := range e.Transforms {
		e.Transforms[j].Kind = strings.ToLower(strings.TrimSpace(e.Transforms[j].Kind))
	}
	return nil
}
