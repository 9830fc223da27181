/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		value    string
		expected zapcore.Level
		valid    bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"Warning", zapcore.WarnLevel, true},
		{"4", zapcore.Level(-4), true},
		{"0", zapcore.WarnLevel, false},
		{"-2", zapcore.WarnLevel, false},
		{"loud", zapcore.WarnLevel, false},
	}

	for _, c := range cases {
		level, err := StringToLevel(c.value, zapcore.WarnLevel)
		if c.valid {
			require.NoError(t, err, c.value)
		} else {
			require.Error(t, err, c.value)
		}
		require.Equal(t, c.expected, level, c.value)
	}
}

func TestLevelFlagSetsLevel(t *testing.T) {
	t.Parallel()

	var got zapcore.Level
	fv := NewLevelFlagValue(func(l zapcore.Level) { got = l })
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.VarP(&fv, verbosityFlagName, verbosityFlagShortName, "")

	require.NoError(t, fs.Parse([]string{"-v=debug"}))
	require.Equal(t, zapcore.DebugLevel, got)
	require.Equal(t, "debug", fv.String())

	require.Error(t, fs.Parse([]string{"-v=nope"}))
}
