package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valx.pw/shroud/pkg/crypto"
)

func TestGenPSK(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"gen-psk"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	line := strings.TrimSpace(out.String())
	key, err := crypto.ParseKey(line)
	require.NoError(t, err)
	assert.Equal(t, line, key.String())
}
