// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package niquests

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/bgentry/go-netrc/netrc"

	"github.com/gogama/niquests/request"
)

// EnvNetrc is the environment variable naming an alternative netrc
// file. When unset, ~/.netrc is used (~/_netrc on Windows).
const EnvNetrc = "NETRC"

// netrcSource lazily parses the netrc file once per Session. The file
// is read-only state; a missing or malformed file silently disables
// netrc lookup.
type netrcSource struct {
	once sync.Once
	rc   *netrc.Netrc
}

func netrcPath() string {
	if p := os.Getenv(EnvNetrc); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	name := ".netrc"
	if runtime.GOOS == "windows" {
		name = "_netrc"
	}
	return filepath.Join(home, name)
}

func (s *netrcSource) load() *netrc.Netrc {
	s.once.Do(func() {
		path := netrcPath()
		if path == "" {
			return
		}
		rc, err := netrc.ParseFile(path)
		if err != nil {
			return
		}
		s.rc = rc
	})
	return s.rc
}

// lookup returns Basic credentials for host from the netrc file, if an
// entry exists.
func (s *netrcSource) lookup(host string) (request.Auth, bool) {
	rc := s.load()
	if rc == nil {
		return nil, false
	}
	m := rc.FindMachine(host)
	if m == nil || m.IsDefault() {
		return nil, false
	}
	return request.BasicAuth{Username: m.Login, Password: m.Password}, true
}
