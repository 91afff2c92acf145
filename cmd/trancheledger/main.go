package main

import "tranche-ledger/internal/cli"

func main() {
	cli.Execute()
}
