// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package milbus

import (
	"runtime/debug"
	"testing"
)

func TestVersionOf(t *testing.T) {
	for _, tc := range []struct {
		name string
		info *debug.BuildInfo
		vers string
		sum  string
	}{
		{
			name: "nil",
		},
		{
			name: "no-dep",
			info: &debug.BuildInfo{},
		},
		{
			name: "dep",
			info: &debug.BuildInfo{
				Deps: []*debug.Module{
					{Path: "github.com/go-daq/tdaq", Version: "v0.14.2"},
					{Path: "github.com/go-lpc/milbus", Version: "v0.3.0", Sum: "h1:xxx"},
				},
			},
			vers: "v0.3.0",
			sum:  "h1:xxx",
		},
		{
			name: "main",
			info: &debug.BuildInfo{
				Main: debug.Module{Path: "github.com/go-lpc/milbus", Version: "(devel)"},
				Deps: []*debug.Module{
					{Path: "github.com/go-daq/tdaq", Version: "v0.14.2"},
				},
			},
			vers: "(devel)",
		},
		{
			name: "replace-versioned",
			info: &debug.BuildInfo{
				Deps: []*debug.Module{
					{
						Path:    "github.com/go-lpc/milbus",
						Version: "v0.3.0",
						Replace: &debug.Module{Path: "github.com/sbinet/milbus", Version: "v0.3.1", Sum: "h1:yyy"},
					},
				},
			},
			vers: "github.com/sbinet/milbus v0.3.1",
			sum:  "h1:yyy",
		},
		{
			name: "replace-path",
			info: &debug.BuildInfo{
				Deps: []*debug.Module{
					{
						Path:    "github.com/go-lpc/milbus",
						Version: "v0.3.0",
						Replace: &debug.Module{Path: "../milbus"},
					},
				},
			},
			vers: "../milbus",
		},
		{
			name: "replace-local",
			info: &debug.BuildInfo{
				Deps: []*debug.Module{
					{
						Path:    "github.com/go-lpc/milbus",
						Version: "v0.3.0",
						Replace: &debug.Module{},
					},
				},
			},
			vers: "v0.3.0*",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			vers, sum := versionOf(tc.info)
			if vers != tc.vers {
				t.Fatalf("invalid version: got=%q, want=%q", vers, tc.vers)
			}
			if sum != tc.sum {
				t.Fatalf("invalid checksum: got=%q, want=%q", sum, tc.sum)
			}
		})
	}
}
