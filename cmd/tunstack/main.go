package main

import "tunstack/internal/cli"

func main() {
	cli.Execute()
}
