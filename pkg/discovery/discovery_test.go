package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePortAndProcessName(t *testing.T) {
	line := `LISTEN 0      511          0.0.0.0:80        0.0.0.0:*    users:(("nginx",pid=123,fd=6))`

	port, ok := parsePort(line)
	assert.True(t, ok)
	assert.Equal(t, 80, port)

	proc, ok := parseProcessName(line)
	assert.True(t, ok)
	assert.Equal(t, "nginx", proc)
}

func TestBuildServicesAttachesPortAndWebURL(t *testing.T) {
	units := []string{"nginx.service", "redis.service"}
	ports := map[string]int{"nginx": 80}

	services := BuildServices("ct-1", "10.0.0.5", units, ports)
	require := map[string]bool{"nginx": false, "redis": false}

	for _, s := range services {
		require[s.Name] = true
		if s.Name == "nginx" {
			assert.Equal(t, 80, s.Port)
			assert.Equal(t, "http://10.0.0.5:80", s.WebURL)
		}
		if s.Name == "redis" {
			assert.Zero(t, s.Port)
		}
	}
	assert.True(t, require["nginx"])
	assert.True(t, require["redis"])
}
