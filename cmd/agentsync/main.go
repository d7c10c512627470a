package main

import "agent-sync/internal/cli"

func main() {
	cli.Execute()
}
