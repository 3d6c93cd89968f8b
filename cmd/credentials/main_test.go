package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/domain/tool"
)

func TestParsePairs(t *testing.T) {
	creds, err := parsePairs([]string{"token=abc=def", "X-Team=ops"})
	require.NoError(t, err)
	assert.Equal(t, tool.Credentials{"token": "abc=def", "X-Team": "ops"}, creds)

	for _, bad := range [][]string{nil, {"token"}, {"=value"}, {"a=1", "a=2"}} {
		_, err := parsePairs(bad)
		assert.Error(t, err, "%v", bad)
	}
}
