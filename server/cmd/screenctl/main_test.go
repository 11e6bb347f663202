package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/san-kum/posture-screen/server/middleware"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{name}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const tiltedBack = `[
  {"name": "left_shoulder", "x": 0, "y": 0, "confidence": 0.9},
  {"name": "right_shoulder", "x": 1, "y": 1, "confidence": 0.9},
  {"name": "left_hip", "x": 0, "y": 0.5, "confidence": 0.9},
  {"name": "right_hip", "x": 1, "y": 0.5, "confidence": 0.9}
]`

const uprightSide = `
- name: pelvis
  x: 0.5
  y: 0.3
  confidence: 0.9
- name: neck
  x: 0.5
  y: 0.7
  confidence: 0.9
`

func TestScore_JSON(t *testing.T) {
	out, err := run(t, "score",
		"--back", writeFile(t, "back.json", tiltedBack),
		"--side", writeFile(t, "side.yaml", uprightSide))
	require.NoError(t, err)

	var report reportOutput
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 34, report.RiskScore)
	assert.Equal(t, "34%", report.RiskText)
	assert.Equal(t, models.RiskMedium, report.Verdict)
	assert.Equal(t, "45.0°", report.Metrics[models.MetricShoulderTilt])
	assert.Equal(t, "0.0°", report.Metrics[models.MetricSideLean])
}

func TestScore_YAMLWithoutPhotos(t *testing.T) {
	out, err := run(t, "--format", "yaml", "score")
	require.NoError(t, err)

	var report reportOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, 0, report.RiskScore)
	assert.Equal(t, "—", report.Metrics[models.MetricAxisShift])
	assert.Len(t, report.Recommendations, 3)
}

func TestScore_MissingFile(t *testing.T) {
	_, err := run(t, "score", "--back", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read keypoint file")
}

func TestHistoryAndCompare(t *testing.T) {
	db := filepath.Join(t.TempDir(), storage.DataFileName)
	store, err := storage.Open(db)
	require.NoError(t, err)

	shoulder := 10.0
	for _, score := range []int{40, 25} {
		_, err := store.Save(context.Background(), "c1", models.AnalysisReport{
			RiskScore:       score,
			ShoulderTiltDeg: &shoulder,
			Recommendations: []string{"stretch"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	out, err := run(t, "history", "--db", db, "--client", "c1")
	require.NoError(t, err)
	var items []historyItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "10.0°", items[0].Report.Metrics[models.MetricShoulderTilt])

	out, err = run(t, "compare", "--db", db, "--client", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, `"score_delta"`)

	_, err = run(t, "compare", "--db", db, "--client", "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestToken(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cret", "--subject", "ops")
	require.NoError(t, err)

	claims, err := middleware.NewAuthMiddleware("s3cret", zap.NewNop()).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, middleware.RoleAdmin, claims.Role)
}
