package main

import "github.com/ngld/buildgraph/cmd"

func main() {
	cmd.Execute()
}
