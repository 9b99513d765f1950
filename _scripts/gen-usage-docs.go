//go:build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dbgfront/dbgfront/cmd/dbgfront/cmds"
	"github.com/dbgfront/dbgfront/cmd/dbgfront/cmds/helphelpers"
	"github.com/spf13/cobra/doc"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New(true)

	cmdnames := []string{}
	for _, subcmd := range root.Commands() {
		cmdnames = append(cmdnames, subcmd.Name())
	}
	helphelpers.Prepare(root)
	doc.GenMarkdownTree(root, usageDir)
	// GenMarkdownTree skips help topics, they are generated one by one.
	for _, cmdname := range cmdnames {
		cmd, _, _ := cmds.New(true).Find([]string{cmdname})
		helphelpers.Prepare(cmd)
		doc.GenMarkdownTree(cmd, usageDir)
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "dbgfront.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to dbgfront.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [dbgfront log](dbgfront_log.md)\t - Help about logging flags")
	fmt.Fprintln(fh, "* [dbgfront backend](dbgfront_backend.md)\t - Help about the `--backend` flag")
}
