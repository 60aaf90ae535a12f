package main

import (
	"bytes"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command once. Cobra keeps flag values between runs
// in one process, so every call passes the flags it depends on.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEventCommands_CreateActivateList(t *testing.T) {
	// GIVEN: a fresh database file
	db := filepath.Join(t.TempDir(), "ledger.db")

	// WHEN: an event is created without --activate
	out, err := execute(t, "event", "create", "--db", db,
		"--name", "Spring round", "--payment", "rp", "--rate", "2",
		"--per-person-cap", "5", "--global-cap", "10",
		"--starts", "2025-04-01T00:00:00Z", "--ends", "2025-04-30T00:00:00Z",
		"--activate=false")
	require.NoError(t, err)

	// THEN: it starts scheduled
	m := regexp.MustCompile(`created event (\S+) \(scheduled\)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	// WHEN: it is activated
	out, err = execute(t, "event", "status", "--db", db, id, "ACTIVE")
	require.NoError(t, err)
	assert.Contains(t, out, "is now active")

	// THEN: the listing shows it
	out, err = execute(t, "event", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Spring round")
	assert.Contains(t, out, "active")
}

func TestEventCreate_RejectsMissingFlags(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	_, err := execute(t, "event", "create", "--db", db,
		"--name", "No window", "--rate", "1", "--per-person-cap", "1", "--global-cap", "1",
		"--starts", "", "--ends", "")
	assert.ErrorContains(t, err, "--starts is required")
}

func TestReconstruct_ArgumentsAndCleanMember(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	// WHEN: neither a member nor --all is given
	_, err := execute(t, "reconstruct", "--db", db, "--all=false", "--repair=false", "--currency", "")
	assert.ErrorContains(t, err, "exactly one of MEMBER or --all")

	// WHEN: a member with no history is checked
	out, err := execute(t, "reconstruct", "alice", "--db", db, "--all=false", "--repair=false", "--currency", "RP")

	// THEN: the cache and the log agree
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "ok")
	assert.NotContains(t, out, "DRIFT")
}

func TestExpireAllocations_NothingToExpire(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out, err := execute(t, "expire-allocations", "--db", db, "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "for 0 member/target group(s)")
}
