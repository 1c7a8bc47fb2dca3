// Package config loads connection settings from an scfg document
// (git.sr.ht/~emersion/go-scfg). The irc and state packages stay
// programmatically configured via state.SessionParams; this package is
// the glue a host program uses to build one from a config file.
package config

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"git.sr.ht/~emersion/go-scfg"

	"git.sr.ht/~taiite/ircore/state"
)

// Config holds the connection options a host program reads from an scfg
// document before constructing a state.Session.
type Config struct {
	Host string
	Port uint16

	Secure bool

	Nick     string
	User     string
	RealName string
	Password string

	SASLMechanism state.SASLMechanism
	SASLAccount   string
	SASLPassword  string

	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration

	// Encoding is the fallback text encoding used when a received byte
	// sequence isn't valid UTF-8. The wire codec operates on strings
	// and expects the host's transport to have already applied this
	// fallback before handing lines to irc.ParseMessage; this field
	// only records the configured policy for the host to act on.
	Encoding string
}

// Default returns a Config with the default connection settings.
func Default() Config {
	return Config{
		Port:           6667,
		ReconnectDelay: 1 * time.Second,
		ReconnectMax:   300 * time.Second,
		PingInterval:   60 * time.Second,
		PingTimeout:    60 * time.Second,
		Encoding:       "utf-8",
	}
}

// Load parses an scfg document from r into a Config, starting from
// Default and overriding whichever directives are present.
func Load(r io.Reader) (Config, error) {
	block, err := scfg.Read(r)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return FromBlock(block)
}

// FromBlock walks a parsed scfg.Block into a Config, starting from
// Default and overriding whichever directives are present.
func FromBlock(block scfg.Block) (Config, error) {
	cfg := Default()

	for _, dir := range block {
		switch dir.Name {
		case "server":
			if err := dir.ParseParams(&cfg.Host); err != nil {
				return cfg, fmt.Errorf("config: server: %w", err)
			}
			if len(dir.Params) > 1 {
				port, err := strconv.ParseUint(dir.Params[1], 10, 16)
				if err != nil {
					return cfg, fmt.Errorf("config: server: invalid port %q", dir.Params[1])
				}
				cfg.Port = uint16(port)
			}
		case "tls":
			cfg.Secure = true
		case "nick":
			if err := dir.ParseParams(&cfg.Nick); err != nil {
				return cfg, fmt.Errorf("config: nick: %w", err)
			}
		case "user":
			if err := dir.ParseParams(&cfg.User); err != nil {
				return cfg, fmt.Errorf("config: user: %w", err)
			}
		case "real-name":
			if err := dir.ParseParams(&cfg.RealName); err != nil {
				return cfg, fmt.Errorf("config: real-name: %w", err)
			}
		case "password":
			if err := dir.ParseParams(&cfg.Password); err != nil {
				return cfg, fmt.Errorf("config: password: %w", err)
			}
		case "sasl":
			if err := parseSASL(dir, &cfg); err != nil {
				return cfg, err
			}
		case "reconnect-delay":
			if err := parseMillis(dir, &cfg.ReconnectDelay); err != nil {
				return cfg, fmt.Errorf("config: reconnect-delay: %w", err)
			}
		case "reconnect-max":
			if err := parseMillis(dir, &cfg.ReconnectMax); err != nil {
				return cfg, fmt.Errorf("config: reconnect-max: %w", err)
			}
		case "ping-interval":
			if err := parseMillis(dir, &cfg.PingInterval); err != nil {
				return cfg, fmt.Errorf("config: ping-interval: %w", err)
			}
		case "ping-timeout":
			if err := parseMillis(dir, &cfg.PingTimeout); err != nil {
				return cfg, fmt.Errorf("config: ping-timeout: %w", err)
			}
		case "encoding":
			if err := dir.ParseParams(&cfg.Encoding); err != nil {
				return cfg, fmt.Errorf("config: encoding: %w", err)
			}
		}
	}

	if cfg.Nick == "" {
		return cfg, fmt.Errorf("config: %q directive is required", "nick")
	}
	if cfg.Host == "" {
		return cfg, fmt.Errorf("config: %q directive is required", "server")
	}
	if cfg.User == "" {
		cfg.User = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.Nick
	}
	return cfg, nil
}

func parseSASL(dir *scfg.Directive, cfg *Config) error {
	var mech string
	if err := dir.ParseParams(&mech); err != nil {
		return fmt.Errorf("config: sasl: %w", err)
	}
	switch mech {
	case "plain":
		cfg.SASLMechanism = state.SASLPlain
		for _, child := range dir.Children {
			switch child.Name {
			case "account":
				_ = child.ParseParams(&cfg.SASLAccount)
			case "password":
				_ = child.ParseParams(&cfg.SASLPassword)
			}
		}
	case "external":
		cfg.SASLMechanism = state.SASLExternal
	case "none", "":
		cfg.SASLMechanism = state.SASLNone
	default:
		return fmt.Errorf("config: sasl: unknown mechanism %q", mech)
	}
	return nil
}

// parseMillis reads a single integer-milliseconds parameter into a
// time.Duration field.
func parseMillis(dir *scfg.Directive, dst *time.Duration) error {
	var raw string
	if err := dir.ParseParams(&raw); err != nil {
		return err
	}
	ms, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid milliseconds %q", raw)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

// ToSessionParams builds a state.SessionParams from cfg, for handing to
// state.NewSession.
func (cfg Config) ToSessionParams() state.SessionParams {
	return state.SessionParams{
		Nick:           cfg.Nick,
		User:           cfg.User,
		RealName:       cfg.RealName,
		Password:       cfg.Password,
		SASLMechanism:  cfg.SASLMechanism,
		SASLAccount:    cfg.SASLAccount,
		SASLPassword:   cfg.SASLPassword,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		ReconnectMax:   cfg.ReconnectMax,
	}
}
