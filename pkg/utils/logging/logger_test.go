package logging_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
)

func TestLevelFiltering(t *testing.T) {
	testCases := []struct {
		level       string
		expectDebug bool
		expectInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"WARNING", false, false},
		{"invalid", false, true}, // falls back to info
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(tc.level, buf)

			logger.Debug("debug line")
			logger.Info("info line")
			logger.Error("error line")

			output := buf.String()
			if tc.expectDebug {
				gt.S(t, output).Contains("debug line")
			} else {
				gt.S(t, output).NotContains("debug line")
			}
			if tc.expectInfo {
				gt.S(t, output).Contains("info line")
			} else {
				gt.S(t, output).NotContains("info line")
			}
			gt.S(t, output).Contains("error line")
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("debug", buf).With("call_id", "call-1")

	ctx := logging.With(context.Background(), logger)
	retrieved := logging.From(ctx)
	gt.Equal(t, retrieved, logger)

	retrieved.Info("session event")
	output := buf.String()
	gt.S(t, output).Contains("session event")
	gt.S(t, output).Contains("call_id")
}

func TestFromFallsBackToDefault(t *testing.T) {
	original := logging.Default()
	defer logging.SetDefault(original)

	buf := &bytes.Buffer{}
	logging.SetDefault(logging.New("info", buf))

	logger := logging.From(context.Background())
	logger.Info("no context logger")
	gt.S(t, buf.String()).Contains("no context logger")
}
