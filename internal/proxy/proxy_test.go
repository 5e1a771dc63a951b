package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/octoplane/octoplane/internal/config"
)

func TestRetryDelay_CapsAtTwentyUnits(t *testing.T) {
	b := &Builder{Cfg: config.ProxyConfig{RetryUnit: 100 * time.Millisecond, MaxRetryDelay: 5 * time.Second}}
	assert.Equal(t, 100*time.Millisecond, b.retryDelay(1))
	assert.Equal(t, 2*time.Second, b.retryDelay(20))
	assert.Equal(t, 2*time.Second, b.retryDelay(100)) // capped at attempt=20 equivalent
}

func TestRetryDelay_RespectsMaxRetryDelay(t *testing.T) {
	b := &Builder{Cfg: config.ProxyConfig{RetryUnit: 200 * time.Millisecond, MaxRetryDelay: time.Second}}
	assert.Equal(t, time.Second, b.retryDelay(20))
}

func TestRetryBudget_DefaultsTo20s(t *testing.T) {
	b := &Builder{Cfg: config.ProxyConfig{}}
	assert.Equal(t, 20*time.Second, b.retryBudget())
}

func TestTargetURL_IncludesQuery(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:41821/foo/bar?x=1", targetURL("http", 41821, "/foo/bar", "x=1"))
	assert.Equal(t, "http://127.0.0.1:41821/foo", targetURL("http", 41821, "/foo", ""))
}
