package main

import "github.com/vietddude/edgeinfer/internal/cli"

func main() {
	cli.Execute()
}
