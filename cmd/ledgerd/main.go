package main

import "github.com/canonlabs/ledgerd/internal/cli"

func main() {
	cli.Execute()
}
