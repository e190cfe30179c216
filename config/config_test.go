package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jsbridge/acl"
	"jsbridge/webfilter"
)

func TestLoadDefaultsMatchDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JSBRIDGE_HOST_URLS", "ws://stb.local:9000/bridge,ws://stb.backup:9000/bridge")
	t.Setenv("JSBRIDGE_HOST_BALANCER", "round_robin")
	t.Setenv("JSBRIDGE_CALL_TIMEOUT", "250ms")
	t.Setenv("JSBRIDGE_ENABLE_SERVICE_MANAGER", "false")
	t.Setenv("JSBRIDGE_LOGGING_LEVEL", "debug")
	t.Setenv("JSBRIDGE_RATELIMIT_RPS", "2.5")
	t.Setenv("JSBRIDGE_REGISTRY_ENDPOINTS", "10.0.0.1:2379,10.0.0.2:2379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"ws://stb.local:9000/bridge", "ws://stb.backup:9000/bridge"}, cfg.HostURLs)
	assert.Equal(t, "round_robin", cfg.HostBalancer)
	assert.Equal(t, 250*time.Millisecond, cfg.CallTimeout)
	assert.False(t, cfg.EnableServiceManager)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Registry.Endpoints)
}

func TestLoadRejectsBadValue(t *testing.T) {
	t.Setenv("JSBRIDGE_CALL_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
	assert.Equal(t, Default(), LoadOrDefault())
}

const rulesYAML = `
acl:
  zeta: ['^https://z\.example\.com/']
  alpha:
    - '^https://a\.example\.com/'
    - '^file://'
webFilters:
  - {scheme: "http*", host: "*.ads.example.net", block: true}
  - {host: "*.example.net"}
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)

	assert.Equal(t, acl.Table{
		{Service: "zeta", Patterns: []string{`^https://z\.example\.com/`}},
		{Service: "alpha", Patterns: []string{`^https://a\.example\.com/`, `^file://`}},
	}, rules.ACL)
	assert.Equal(t, []webfilter.Pattern{
		{Scheme: "http*", Host: "*.ads.example.net", Block: true},
		{Host: "*.example.net"},
	}, rules.WebFilters)

	doc, err := rules.ACLDocument()
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":["^https://z\\.example\\.com/"],"alpha":["^https://a\\.example\\.com/","^file://"]}`, doc)

	filters, err := rules.WebFiltersDocument()
	require.NoError(t, err)
	assert.JSONEq(t, `[["http*","*.ads.example.net",true],["","*.example.net",false]]`, filters)
}

func TestParseRulesErrors(t *testing.T) {
	for _, data := range []string{
		"acl: [a, b]",
		"acl:\n  player: 42",
		"acl: {player: [x]\n",
	} {
		_, err := ParseRules([]byte(data))
		assert.Error(t, err, "data %q", data)
	}

	rules, err := ParseRules([]byte("webFilters: []"))
	require.NoError(t, err)
	assert.Empty(t, rules.ACL)
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Len(t, rules.ACL, 2)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
