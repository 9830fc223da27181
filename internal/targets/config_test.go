/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package targets

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLaunchConfig(t *testing.T) {
	t.Parallel()

	args := json.RawMessage(`{"type":"node","name":"Run app","program":"/app/index.js","__pendingTargetId":"t-1"}`)
	cfg, err := ParseLaunchConfig(RequestLaunch, args)
	require.NoError(t, err)

	require.Equal(t, DebugTypeNode, cfg.Type)
	require.Equal(t, RequestLaunch, cfg.Request)
	require.Equal(t, "Run app", cfg.Name)
	require.Equal(t, "t-1", cfg.PendingTargetID)
	require.True(t, cfg.Matches(DebugTypeNode, RequestLaunch))
	require.False(t, cfg.Matches(DebugTypeNode, RequestAttach))
	require.False(t, cfg.Matches(DebugTypeChrome, RequestLaunch))

	var decoded struct {
		Program string `json:"program"`
	}
	require.NoError(t, cfg.Decode(&decoded))
	require.Equal(t, "/app/index.js", decoded.Program)

	props := cfg.Properties()
	require.Equal(t, "launch", props["request"])
	props["program"] = "changed"
	require.Equal(t, "/app/index.js", cfg.Properties()["program"], "properties must be a copy")
}

func TestParseLaunchConfigRejectsMalformedArguments(t *testing.T) {
	t.Parallel()

	_, err := ParseLaunchConfig(RequestAttach, json.RawMessage(`[1,2]`))
	require.Error(t, err)

	cfg, err := ParseLaunchConfig(RequestAttach, nil)
	require.NoError(t, err)
	require.Equal(t, DebugType(""), cfg.Type)
}

func TestNormalizeDebugType(t *testing.T) {
	t.Parallel()

	require.Equal(t, DebugTypeChrome, NormalizeDebugType("chrome"))
	require.Equal(t, DebugTypeExtensionHost, NormalizeDebugType("extensionHost"))
	require.Equal(t, DebugTypeNode, NormalizeDebugType("pwa-node"))
	require.Equal(t, DebugType("python"), NormalizeDebugType("python"))
}
