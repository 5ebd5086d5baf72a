package config

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvOverridesDefaults(t *testing.T) {
	env := map[string]string{
		EnvAddr:       ":9000",
		EnvGatewayURL: "http://gw:1",
	}
	c := fromEnv(func(k string) string { return env[k] })
	assert.Equal(t, ":9000", c.Addr)
	assert.Equal(t, "http://gw:1", c.GatewayURL)
	assert.Equal(t, Default().RelayURL, c.RelayURL)
	assert.Equal(t, Default().WalletPath, c.WalletPath)

	c.Set(&c.Addr, "")
	assert.Equal(t, ":9000", c.Addr)
	c.Set(&c.Addr, ":9001")
	assert.Equal(t, ":9001", c.Addr)
}

func TestRelayBaseURL(t *testing.T) {
	cases := map[string]string{
		"sketchweave://10.0.0.5:8888":  "http://10.0.0.5:8888",
		"sketchweave://10.0.0.5:8888/": "http://10.0.0.5:8888",
		"10.0.0.5:9999":                "http://10.0.0.5:9999",
		"localhost":                    "http://localhost:8888",
		"http://example.com:80/":       "http://example.com:80",
		"https://relay.example.com":    "https://relay.example.com",
		"ws://example.com:1234":        "http://example.com:1234",
		"wss://example.com":            "https://example.com",
	}
	for in, want := range cases {
		got, err := RelayBaseURL(in)
		assert.Equal(t, nil, err)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"ftp://example.com", "http://"} {
		_, err := RelayBaseURL(bad)
		assert.NotEqual(t, nil, err)
	}
}

func TestShareLink(t *testing.T) {
	link, err := ShareLink("http://192.168.1.4:8888")
	assert.Equal(t, nil, err)
	assert.Equal(t, "sketchweave://192.168.1.4:8888", link)

	back, err := RelayBaseURL(link)
	assert.Equal(t, nil, err)
	assert.Equal(t, "http://192.168.1.4:8888", back)
}
