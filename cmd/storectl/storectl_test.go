package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

func TestReadKeys(t *testing.T) {
	in := strings.NewReader(`
# batch 2026-10
AAAAA-BBBBB-CCCCC
  DDDDD-EEEEE-FFFFF  

AAAAA-BBBBB-CCCCC
`)
	keys, err := readKeys(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAAA-BBBBB-CCCCC", "DDDDD-EEEEE-FFFFF"}, keys)
}

func TestParseEventStatus(t *testing.T) {
	s, err := parseEventStatus("dropped")
	require.NoError(t, err)
	assert.Equal(t, db.WebhookEventStatusDropped, s)

	_, err = parseEventStatus("done")
	assert.Error(t, err)
}

func TestLicensesImport_RequiresProduct(t *testing.T) {
	cmd := licensesImportCmd()
	cmd.SetArgs([]string{"--file", "keys.txt"})
	cmd.SetOut(new(strings.Builder))
	cmd.SetErr(new(strings.Builder))
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "product")
}
