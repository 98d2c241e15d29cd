/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOpts(LoggerOpts{Output: &buf})

	logger.Error("check failed", log.String("store", "redis"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "check failed", entry["msg"])
	require.Equal(t, "redis", entry["store"])
	require.NotEmpty(t, entry["time"])
}
