package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelFallsBackToInfo(t *testing.T) {
	log, closer, err := New("chatty", "text", "stderr")
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNew_UnknownFormat(t *testing.T) {
	_, _, err := New("info", "xml", "stdout")
	assert.Error(t, err)
}

func TestNew_JSONToFile(t *testing.T) {
	// GIVEN: A JSON logger writing to a file
	// WHEN: Logging one entry with fields
	// THEN: The file holds one JSON object carrying those fields

	path := filepath.Join(t.TempDir(), "ledger.log")
	log, closer, err := New("debug", "json", path)
	require.NoError(t, err)

	log.WithFields(logrus.Fields{"op": "earn", "member_id": "alice"}).Debug("ledger operation completed")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "earn", entry["op"])
	assert.Equal(t, "alice", entry["member_id"])
	assert.Equal(t, "debug", entry["level"])
}
