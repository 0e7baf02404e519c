package main

import "github.com/stleox/callscope/pkg/cmd"

func main() {
	cmd.Execute()
}
