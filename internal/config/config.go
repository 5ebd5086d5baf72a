// Package config resolves settings from defaults, the environment and
// command line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvAddr        = "SKETCHWEAVE_ADDR"
	EnvRelayURL    = "SKETCHWEAVE_RELAY_URL"
	EnvGallery     = "SKETCHWEAVE_GALLERY"
	EnvGatewayURL  = "SKETCHWEAVE_GATEWAY_URL"
	EnvGatewayAddr = "SKETCHWEAVE_GATEWAY_ADDR"
	EnvWallet      = "SKETCHWEAVE_WALLET"

	Port        = 8888
	GatewayPort = 8889

	// ShareScheme prefixes the link a relay prints for others to join.
	ShareScheme = "sketchweave://"
)

type Config struct {
	// Addr is where the relay listens.
	Addr        string
	RelayURL    string
	GalleryPath string
	// GatewayURL enables uploads when set.
	GatewayURL  string
	GatewayAddr string
	WalletPath  string
}

func Default() Config {
	dir := dataDir()
	return Config{
		Addr:        fmt.Sprintf(":%d", Port),
		RelayURL:    fmt.Sprintf("http://localhost:%d", Port),
		GalleryPath: filepath.Join(dir, "gallery.db"),
		GatewayAddr: fmt.Sprintf(":%d", GatewayPort),
		WalletPath:  filepath.Join(dir, "wallet.pem"),
	}
}

func dataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sketchweave")
	}
	return ".sketchweave"
}

// FromEnv is Default with environment overrides applied.
func FromEnv() Config {
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) Config {
	c := Default()
	c.Set(&c.Addr, getenv(EnvAddr))
	c.Set(&c.RelayURL, getenv(EnvRelayURL))
	c.Set(&c.GalleryPath, getenv(EnvGallery))
	c.Set(&c.GatewayURL, getenv(EnvGatewayURL))
	c.Set(&c.GatewayAddr, getenv(EnvGatewayAddr))
	c.Set(&c.WalletPath, getenv(EnvWallet))
	return c
}

// Set overwrites *field with value unless value is empty.
func (c *Config) Set(field *string, value string) {
	if value != "" {
		*field = value
	}
}

// RelayBaseURL turns what a user typed into the relay's http base URL. It
// accepts share links, bare host:port and http(s) URLs.
func RelayBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, ShareScheme); ok {
		raw = "http://" + strings.TrimSuffix(rest, "/")
	} else if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad relay address: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("bad relay address %q: unsupported scheme %s", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("bad relay address %q: missing host", raw)
	}
	if u.Port() == "" && u.Scheme == "http" {
		u.Host = net.JoinHostPort(u.Hostname(), fmt.Sprint(Port))
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// ShareLink is the join link for a relay reachable at baseURL.
func ShareLink(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	return ShareScheme + u.Host, nil
}
