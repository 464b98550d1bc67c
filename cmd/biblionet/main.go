package main

import "github.com/bibliodist/biblionet/internal/cli"

func main() {
	cli.Execute()
}
