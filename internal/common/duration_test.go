package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshal(t *testing.T) {
	var out struct {
		Timeout Duration `yaml:"timeout"`
	}

	require.NoError(t, yaml.Unmarshal([]byte(`timeout: 1h30m`), &out))
	assert.Equal(t, 90*time.Minute, time.Duration(out.Timeout))
}

func TestDurationUnmarshalRejectsGarbage(t *testing.T) {
	var out struct {
		Timeout Duration `yaml:"timeout"`
	}

	assert.Error(t, yaml.Unmarshal([]byte(`timeout: soon`), &out))
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, time.Minute, Duration(0).Or(time.Minute))
	assert.Equal(t, time.Second, Duration(time.Second).Or(time.Minute))
}
