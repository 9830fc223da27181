/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package version holds the build information stamped into the binary with -ldflags -X.
package version

import (
	"strconv"
	"time"
)

const DevelopmentVersion = "dev"

var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	// BuildTimestamp is either Unix seconds or an RFC 3339 time.
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty"`
}

func Version() VersionOutput {
	v := VersionOutput{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		BuildTime:  parseBuildTime(BuildTimestamp),
	}
	if v.Version == "" {
		v.Version = DevelopmentVersion
	}
	return v
}

func parseBuildTime(stamp string) *time.Time {
	if stamp == "" {
		return nil
	}
	if seconds, err := strconv.ParseInt(stamp, 10, 64); err == nil {
		t := time.Unix(seconds, 0).UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		return &t
	}
	return nil
}
