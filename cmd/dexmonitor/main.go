package main

import "dexmonitor/internal/cli"

func main() {
	cli.Execute()
}
