// Copyright 2025 James Ross
package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateRuleThreshold(t *testing.T) {
	triggered, _ := evaluateRule(RuleThreshold, 105, 0, 100, 0)
	require.True(t, triggered)

	triggered, _ = evaluateRule(RuleThreshold, 95, 0, 100, 0)
	require.False(t, triggered)
}

func TestEvaluateRulePercentChange(t *testing.T) {
	triggered, detail := evaluateRule(RulePercentChange, 150, 100, 0, 25)
	require.True(t, triggered)
	require.Contains(t, detail, "change=50.00%")

	triggered, _ = evaluateRule(RulePercentChange, 110, 100, 0, 25)
	require.False(t, triggered)
}

func TestEvaluateRuleAnomaly(t *testing.T) {
	triggered, _ := evaluateRule(RuleAnomaly, 200, 100, 0, 0)
	require.True(t, triggered, "100% deviation should flag as anomalous")

	triggered, _ = evaluateRule(RuleAnomaly, 110, 100, 0, 0)
	require.False(t, triggered)
}

func TestEvaluateRuleUnknown(t *testing.T) {
	triggered, detail := evaluateRule(AlertRule("bogus"), 1, 1, 1, 1)
	require.False(t, triggered)
	require.Contains(t, detail, "unknown rule")
}

func TestToFloat(t *testing.T) {
	v, err := toFloat(float64(3.5))
	require.NoError(t, err)
	require.Equal(t, 3.5, v)

	v, err = toFloat(int64(7))
	require.NoError(t, err)
	require.Equal(t, 7.0, v)

	_, err = toFloat("not a number")
	require.Error(t, err)
}
