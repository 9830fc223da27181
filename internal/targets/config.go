/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package targets

import (
	"encoding/json"
	"fmt"
	"maps"
)

type DebugType string

const (
	DebugTypeNode          DebugType = "pwa-node"
	DebugTypeChrome        DebugType = "pwa-chrome"
	DebugTypeExtensionHost DebugType = "pwa-extensionHost"
)

var debugTypeAliases = map[string]DebugType{
	"node":          DebugTypeNode,
	"chrome":        DebugTypeChrome,
	"extensionHost": DebugTypeExtensionHost,
}

// NormalizeDebugType maps the short debug type names onto the canonical ones.
func NormalizeDebugType(t string) DebugType {
	if canonical, isAlias := debugTypeAliases[t]; isAlias {
		return canonical
	}
	return DebugType(t)
}

type RequestKind string

const (
	RequestLaunch RequestKind = "launch"
	RequestAttach RequestKind = "attach"
)

const (
	// PendingTargetIDKey is the configuration property that binds a new client connection
	// to a target that is waiting for its session.
	PendingTargetIDKey = "__pendingTargetId"
)

// LaunchConfig is a launch or attach configuration as sent by the client.
// The type and request properties select which launcher handles it; the full
// set of properties is kept for the launcher to decode.
type LaunchConfig struct {
	Type            DebugType
	Request         RequestKind
	Name            string
	PendingTargetID string

	raw map[string]any
}

// ParseLaunchConfig reads the arguments of a launch or attach request.
func ParseLaunchConfig(request RequestKind, args json.RawMessage) (LaunchConfig, error) {
	raw := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &raw); err != nil {
			return LaunchConfig{}, fmt.Errorf("invalid %s configuration: %w", request, err)
		}
	}
	return NewLaunchConfig(request, raw), nil
}

// NewLaunchConfig builds a configuration from its property map.
func NewLaunchConfig(request RequestKind, raw map[string]any) LaunchConfig {
	raw = maps.Clone(raw)
	if raw == nil {
		raw = map[string]any{}
	}

	cfg := LaunchConfig{Request: request, raw: raw}
	if t, ok := raw["type"].(string); ok {
		cfg.Type = NormalizeDebugType(t)
	}
	if n, ok := raw["name"].(string); ok {
		cfg.Name = n
	}
	if p, ok := raw[PendingTargetIDKey].(string); ok {
		cfg.PendingTargetID = p
	}
	return cfg
}

// Matches reports whether the configuration has the given debug type and request kind.
func (c LaunchConfig) Matches(t DebugType, r RequestKind) bool {
	return c.Type == t && c.Request == r
}

// Decode unmarshals the configuration properties into a launcher-specific structure.
func (c LaunchConfig) Decode(into any) error {
	data, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", c.Type, err)
	}
	return nil
}

// Properties returns a copy of all configuration properties.
func (c LaunchConfig) Properties() map[string]any {
	props := maps.Clone(c.raw)
	if props == nil {
		props = map[string]any{}
	}
	props["request"] = string(c.Request)
	return props
}
