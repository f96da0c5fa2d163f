package main

import "github.com/depotd/depot/cmd/depot/cmd"

func main() {
	cmd.Execute()
}
