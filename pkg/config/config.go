package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the restreamer's runtime configuration: where to bind
// the ingress socket, where to serve WHEP, and ICE timing. Of the ICE
// fields only CheckTimeout is applied to viewers' PeerConnections;
// CheckInterval and NominationWait are loaded and validated only.
type Config struct {
	Ingress IngressConfig
	WHEP    WHEPConfig
	ICE     ICEConfig
}

// IngressConfig controls the UDP socket that receives the upstream RTP
// stream (spec.md §4.9).
type IngressConfig struct {
	BindAddress string
	Port        int
}

// WHEPConfig controls the HTTP signalling endpoint.
type WHEPConfig struct {
	ListenAddress string
	// PeerBindAddress is the local address each viewer's PeerConnection
	// socket binds to; usually the same host as Ingress.BindAddress.
	PeerBindAddress string
}

// ICEConfig holds connectivity-check timing (spec.md §4.4).
type ICEConfig struct {
	CheckInterval  time.Duration
	CheckTimeout   time.Duration
	NominationWait time.Duration
}

// Load reads configuration from a .env-style flat key=value file,
// following the same minimal format as the rest of this module's
// ambient stack.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		if err := cfg.applyKey(key, decodedValue); err != nil {
			return nil, fmt.Errorf("env file: %s: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no .env file is supplied.
func Default() *Config {
	return &Config{
		Ingress: IngressConfig{
			BindAddress: "0.0.0.0",
			Port:        5004,
		},
		WHEP: WHEPConfig{
			ListenAddress:   ":8080",
			PeerBindAddress: "0.0.0.0",
		},
		ICE: ICEConfig{
			CheckInterval:  500 * time.Millisecond,
			CheckTimeout:   30 * time.Second,
			NominationWait: 10 * time.Second,
		},
	}
}

func (c *Config) applyKey(key, value string) error {
	switch key {
	case "ingress_bind_address":
		c.Ingress.BindAddress = value
	case "ingress_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port: %w", err)
		}
		c.Ingress.Port = port
	case "whep_listen_address":
		c.WHEP.ListenAddress = value
	case "whep_peer_bind_address":
		c.WHEP.PeerBindAddress = value
	case "ice_check_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		c.ICE.CheckInterval = d
	case "ice_check_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		c.ICE.CheckTimeout = d
	case "ice_nomination_wait":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		c.ICE.NominationWait = d
	}
	return nil
}

// Validate checks that all required configuration fields are present
// and sane.
func (c *Config) Validate() error {
	if c.Ingress.BindAddress == "" {
		return fmt.Errorf("missing ingress_bind_address")
	}
	if c.Ingress.Port <= 0 || c.Ingress.Port > 65535 {
		return fmt.Errorf("invalid ingress_port: %d", c.Ingress.Port)
	}
	if c.WHEP.ListenAddress == "" {
		return fmt.Errorf("missing whep_listen_address")
	}
	if c.WHEP.PeerBindAddress == "" {
		return fmt.Errorf("missing whep_peer_bind_address")
	}
	if c.ICE.CheckInterval <= 0 {
		return fmt.Errorf("invalid ice_check_interval")
	}
	if c.ICE.CheckTimeout <= 0 {
		return fmt.Errorf("invalid ice_check_timeout")
	}
	if c.ICE.NominationWait <= 0 {
		return fmt.Errorf("invalid ice_nomination_wait")
	}
	return nil
}
