/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package targets

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// PathResolver maps between local file paths and the script URLs a runtime uses.
type PathResolver interface {
	// URLForPath returns the URL under which the runtime loads the given file.
	URLForPath(filePath string) string
	// PathForURL returns the local file for a script URL, if there is one.
	PathForURL(scriptURL string) (string, bool)
}

// FileURLResolver resolves scripts loaded from file:// URLs, as Node does.
type FileURLResolver struct{}

func (FileURLResolver) URLForPath(filePath string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filePath)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String()
}

func (FileURLResolver) PathForURL(scriptURL string) (string, bool) {
	u, err := url.Parse(scriptURL)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}

// WebRootResolver resolves scripts served from BaseURL out of the WebRoot folder, as a browser loads them.
type WebRootResolver struct {
	BaseURL string
	WebRoot string
}

func (r WebRootResolver) URLForPath(filePath string) string {
	rel, err := filepath.Rel(r.WebRoot, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return FileURLResolver{}.URLForPath(filePath)
	}

	base, err := url.Parse(r.BaseURL)
	if err != nil {
		return FileURLResolver{}.URLForPath(filePath)
	}
	base.Path = path.Join("/", filepath.ToSlash(rel))
	base.RawQuery = ""
	base.Fragment = ""
	return base.String()
}

func (r WebRootResolver) PathForURL(scriptURL string) (string, bool) {
	u, err := url.Parse(scriptURL)
	if err != nil {
		return "", false
	}
	if u.Scheme == "file" {
		return FileURLResolver{}.PathForURL(scriptURL)
	}

	base, err := url.Parse(r.BaseURL)
	if err != nil || r.WebRoot == "" || u.Host != base.Host {
		return "", false
	}
	return filepath.Join(r.WebRoot, filepath.FromSlash(strings.TrimPrefix(u.Path, "/"))), true
}
