//go:build test

package report_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/brhil/internal/report"
	"github.com/srg/brhil/internal/scenario"
	"github.com/srg/brhil/internal/testutils"
	"github.com/stretchr/testify/require"
)

var started = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func results() []*scenario.Result {
	assertion := errors.New(`dut: "l2cap_br send 0 x": expected "Channel 0 disconnected" (timed out)`)
	return []*scenario.Result{
		{
			Name:     "connect",
			Path:     "scenarios/connect.yaml",
			Passed:   true,
			Duration: 1500 * time.Millisecond,
			Steps: []scenario.StepResult{
				{Index: 1, Name: "init", Board: "dut", Command: "bt init", Expected: `"Bluetooth initialized"`,
					Passed: true, Reason: "matched", Transcript: []string{"Bluetooth initialized"}, Duration: time.Second},
			},
		},
		{
			Name:     "disconnect",
			Duration: 3 * time.Second,
			Err:      assertion,
			Steps: []scenario.StepResult{
				{Index: 1, Name: "send", Board: "dut", Command: "l2cap_br send 0 x", Expected: `"Channel 0 disconnected"`,
					Reason: "timed out", Duration: 3 * time.Second, Err: assertion},
			},
		},
		{Name: "pairing", Skipped: true, SkipReason: "needs SSP"},
	}
}

func TestNew(t *testing.T) {
	// GOAL: the report reflects every scenario, failed steps keep their transcript reason and error
	//
	// TEST SCENARIO: one pass, one failure, one skip → summary counts → run failed
	r := report.New(started, 4500*time.Millisecond, results())

	testutils.NewJSONAsserter(t).AssertValue(r, `{
		"started": "2026-03-01T12:00:00Z",
		"duration_ms": 4500,
		"passed": false,
		"summary": {"total": 3, "passed": 1, "failed": 1, "skipped": 1},
		"scenarios": [
			{
				"name": "connect", "path": "scenarios/connect.yaml", "passed": true, "skipped": false,
				"duration_ms": 1500,
				"steps": [
					{"index": 1, "name": "init", "board": "dut", "command": "bt init",
					 "expected": "\"Bluetooth initialized\"", "passed": true, "reason": "matched",
					 "duration_ms": 1000, "transcript": ["Bluetooth initialized"]}
				]
			},
			{
				"name": "disconnect", "passed": false, "skipped": false, "duration_ms": 3000,
				"error": "<<PRESENCE>>",
				"steps": [
					{"index": 1, "name": "send", "passed": false, "reason": "timed out", "duration_ms": 3000,
					 "error": "<<PRESENCE>>"}
				]
			},
			{"name": "pairing", "passed": false, "skipped": true, "skip_reason": "needs SSP", "steps": []}
		]
	}`)
}

func TestPassedWhenOnlySkipped(t *testing.T) {
	r := report.New(started, 0, []*scenario.Result{{Name: "a", Skipped: true}})
	require.True(t, r.Passed)
	require.Equal(t, report.Summary{Total: 1, Skipped: 1}, r.Summary)
}

func TestWriteFile(t *testing.T) {
	// GOAL: WriteFile produces the same document as Write
	//
	// TEST SCENARIO: write to a temp file → compare with in-memory encoding
	r := report.New(started, time.Second, results())
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, r.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	require.Equal(t, buf.String(), string(data))

	err = r.WriteFile(filepath.Join(t.TempDir(), "missing", "report.json"))
	require.ErrorContains(t, err, "failed to create report")
}
