package main

import (
	"os"

	"github.com/go-puzzles/puzzles/plog"
	"github.com/superwhys/haowen/golang/coi-proxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		plog.Errorf("%v", err)
		os.Exit(1)
	}
}
