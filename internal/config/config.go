package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"valx.pw/shroud/internal/client"
	"valx.pw/shroud/internal/server"
	"valx.pw/shroud/pkg/crypto"
	"valx.pw/shroud/pkg/obfuscator"
)

const EnvPrefix = "SHROUD"

type configError struct {
	Field string
	Err   error
}

func (e configError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Err)
}

func (e configError) Unwrap() error {
	return e.Err
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Server struct {
	Listen           string        `mapstructure:"listen"`
	PSK              string        `mapstructure:"psk"`
	Header           string        `mapstructure:"header"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	Resolver         string        `mapstructure:"resolver"`
	RateLimit        float64       `mapstructure:"rateLimit"`
	RateBurst        int           `mapstructure:"rateBurst"`
	Log              Log           `mapstructure:"log"`
}

type Client struct {
	Listen           string        `mapstructure:"listen"`
	Upstream         string        `mapstructure:"upstream"`
	PSK              string        `mapstructure:"psk"`
	Header           string        `mapstructure:"header"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	Log              Log           `mapstructure:"log"`
}

// NewViper returns a viper instance that reads SHROUD_* environment
// variables, with dots in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file named by the "config" key and
// decodes everything into out.
func Load(v *viper.Viper, out any) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func (c *Server) Validate() error {
	if err := validateAddr(c.Listen); err != nil {
		return configError{Field: "listen", Err: err}
	}
	if c.PSK == "" {
		return configError{Field: "psk", Err: errors.New("psk file is required")}
	}
	if c.HandshakeTimeout < 0 {
		return configError{Field: "handshakeTimeout", Err: errors.New("must not be negative")}
	}
	if c.DialTimeout < 0 {
		return configError{Field: "dialTimeout", Err: errors.New("must not be negative")}
	}
	if c.RateLimit < 0 {
		return configError{Field: "rateLimit", Err: errors.New("must not be negative")}
	}
	if c.RateBurst < 0 {
		return configError{Field: "rateBurst", Err: errors.New("must not be negative")}
	}
	return nil
}

// Options loads the key and fake header and returns server options.
func (c *Server) Options() (server.Options, error) {
	if err := c.Validate(); err != nil {
		return server.Options{}, err
	}

	aead, err := crypto.LoadCipher(c.PSK)
	if err != nil {
		return server.Options{}, configError{Field: "psk", Err: err}
	}
	header, err := obfuscator.Load(c.Header, obfuscator.ServerHeader())
	if err != nil {
		return server.Options{}, configError{Field: "header", Err: err}
	}

	return server.Options{
		ListenAddr:       c.Listen,
		Cipher:           aead,
		Header:           header,
		HandshakeTimeout: c.HandshakeTimeout,
		DialTimeout:      c.DialTimeout,
		Resolver:         c.Resolver,
		RateLimit:        c.RateLimit,
		RateBurst:        c.RateBurst,
	}, nil
}

func (c *Client) Validate() error {
	if err := validateAddr(c.Listen); err != nil {
		return configError{Field: "listen", Err: err}
	}
	if err := validateAddr(c.Upstream); err != nil {
		return configError{Field: "upstream", Err: err}
	}
	if c.PSK == "" {
		return configError{Field: "psk", Err: errors.New("psk file is required")}
	}
	if c.HandshakeTimeout < 0 {
		return configError{Field: "handshakeTimeout", Err: errors.New("must not be negative")}
	}
	if c.DialTimeout < 0 {
		return configError{Field: "dialTimeout", Err: errors.New("must not be negative")}
	}
	return nil
}

func (c *Client) Options() (client.Options, error) {
	if err := c.Validate(); err != nil {
		return client.Options{}, err
	}

	aead, err := crypto.LoadCipher(c.PSK)
	if err != nil {
		return client.Options{}, configError{Field: "psk", Err: err}
	}
	header, err := obfuscator.Load(c.Header, obfuscator.ClientHeader())
	if err != nil {
		return client.Options{}, configError{Field: "header", Err: err}
	}

	return client.Options{
		ServerAddr:       c.Upstream,
		LocalAddr:        c.Listen,
		Cipher:           aead,
		Header:           header,
		HandshakeTimeout: c.HandshakeTimeout,
		DialTimeout:      c.DialTimeout,
	}, nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return errors.New("port is required")
	}
	return nil
}
