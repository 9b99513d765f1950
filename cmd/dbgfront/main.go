package main

import (
	"os"

	"github.com/dbgfront/dbgfront/cmd/dbgfront/cmds"
	"github.com/dbgfront/dbgfront/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DbgfrontVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
