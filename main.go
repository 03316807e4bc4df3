package main

import "supportagent/cmd"

func main() {
	cmd.Execute()
}
