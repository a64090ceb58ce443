package main

import "trade-executor/internal/cli"

func main() {
	cli.Execute()
}
