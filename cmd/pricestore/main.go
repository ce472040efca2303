package main

import "pricestore/internal/cli"

func main() {
	cli.Execute()
}
