package main

import "github.com/jmcleod/authkeeper/cmd/authkeeper/cmd"

func main() {
	cmd.Execute()
}
