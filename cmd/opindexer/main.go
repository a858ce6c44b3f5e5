package main

import "github.com/vietddude/opindexer/internal/cli"

func main() {
	cli.Execute()
}
