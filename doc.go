// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package milbus holds code to acquire bus-monitor and data queue streams
// from MIL-STD-1553 bus interface boards, attached locally or through an
// ANS server.
package milbus // import "github.com/go-lpc/milbus"

import (
	"fmt"
	"runtime/debug"
)

const modPath = "github.com/go-lpc/milbus"

// Version returns the version of milbus and its checksum, whether milbus
// is the main module of the binary or one of its dependencies.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	switch {
	case b == nil:
		return "", ""
	case b.Main.Path == modPath:
		return moduleVersion(&b.Main)
	}
	for _, m := range b.Deps {
		if m.Path == modPath {
			return moduleVersion(m)
		}
	}
	return "", ""
}

func moduleVersion(m *debug.Module) (string, string) {
	r := m.Replace
	switch {
	case r == nil:
		return m.Version, m.Sum
	case r.Version != "" && r.Path != "":
		return fmt.Sprintf("%s %s", r.Path, r.Version), r.Sum
	case r.Version != "":
		return r.Version, r.Sum
	case r.Path != "":
		return r.Path, r.Sum
	}
	// local replacement without version.
	return m.Version + "*", ""
}
