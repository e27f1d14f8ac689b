package main

import (
	_ "time/tzdata"

	"github.com/davarch/archbuild/cmd/archbuild/cli"
)

func main() {
	cli.Execute()
}
