package model_test

import (
	"testing"
	"time"

	"github.com/rcssrunner/runner/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"PT5S", 5 * time.Second, false},
		{"PT1M30S", 90 * time.Second, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"PT0.5S", 500 * time.Millisecond, false},
		{"P", 0, true},
		{"5s", 0, true},
		{"P2M", 0, true},
		{"PT", 0, true},
		{"P1DT", 0, true},
		{"PT1,25S", 1250 * time.Millisecond, false},
		{"PT-5S", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			if tc.err {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestRepublishValidate(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Republish
		then     time.Duration
		err      string
	}{
		{"cron", model.Republish{Cron: "@every 5m"}, 5 * time.Minute, ""},
		{"duration", model.Republish{Duration: "PT10M"}, 10 * time.Minute, ""},
		{"both", model.Republish{Cron: "@hourly", Duration: "PT1H"}, 0, "republish: cron and duration are mutually exclusive"},
		{"none", model.Republish{}, 0, "republish: both cron and duration are empty"},
		{"bad cron", model.Republish{Cron: "* * 32 * *"}, 0, "republish.cron: end of range (32) above maximum (31): 32"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := tc.given.Validate()
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
