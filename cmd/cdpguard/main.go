package main

import "cdpguard/internal/cli"

func main() {
	cli.Execute()
}
