package main

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

const syntheticConfig = `
control:
  step:
    total: 600
  tls_id: J1
  min_green_ticks: 10
  yellow_ticks: 3
intersection:
  preset: two_phase
  approaches:
    - id: EB
      lanes: [EB_0, EB_1]
    - id: SB
      lanes: [SB_0]
  groups:
    - id: EB
      lanes: [EB_0, EB_1]
    - id: SB
      lanes: [SB_0]
simulator:
  kind: synthetic
  seed: 3
  synthetic:
    - id: EB_0
      links: [0]
      arrival_rate: 0.3
      discharge_rate: 0.5
    - id: EB_1
      links: [1]
      arrival_rate: 0.2
      discharge_rate: 0.5
    - id: SB_0
      links: [2, 3]
      arrival_rate: 0.1
      discharge_rate: 0.5
`

func TestLoadConfigFromData(t *testing.T) {
	configPath, configData = "", base64.StdEncoding.EncodeToString([]byte(syntheticConfig))
	defer func() { configData = "" }()

	rc, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.PolicyFixed, rc.C.Policy)
	assert.Equal(t, []string{"EB_0", "EB_1", "SB_0"}, monitoredLanes(rc.All.Intersection))

	configData = "not base64!"
	_, err = loadConfig()
	assert.Error(t, err)

	configData = ""
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestCompareCommand(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{
		"compare",
		"--config-data", base64.StdEncoding.EncodeToString([]byte(syntheticConfig)),
		"--policies", "fixed,max_pressure,webster_pid",
		"--log.level", "warn",
	})
	assert.NoError(t, cmd.Execute())
	configData = ""

	cmd = newRootCommand()
	cmd.SetArgs([]string{"validate", "--log.level", "loud"})
	assert.Error(t, cmd.Execute())
}
