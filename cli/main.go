package main

import (
	"southwinds.dev/custodia/cli/cmd"
)

func main() {
	cmd.Execute()
}
