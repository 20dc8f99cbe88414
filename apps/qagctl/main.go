package main

import "github.com/quatton/qagent/apps/qagctl/cmd"

func main() {
	cmd.Execute()
}
