package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/fabric"
)

func TestParseTarget(t *testing.T) {
	target, err := parseTarget("function:resize")
	require.NoError(t, err)
	assert.Equal(t, fabric.TargetFunction, target.Kind)
	assert.Equal(t, "resize", target.Name)

	target, err = parseTarget("queue:jobs")
	require.NoError(t, err)
	assert.Equal(t, fabric.TargetQueue, target.Kind)

	target, err = parseTarget("topic:alerts")
	require.NoError(t, err)
	assert.Equal(t, fabric.TargetTopic, target.Kind)

	_, err = parseTarget("bucket:photos")
	assert.Error(t, err)
	_, err = parseTarget("resize")
	assert.Error(t, err)
}

func TestServicePorts(t *testing.T) {
	ports := servicePorts(4566)
	assert.Equal(t, 4567, ports["kv"])
	assert.Equal(t, 4579, ports["secrets"])
	assert.Len(t, ports, 13)
}
