package main

import "github.com/ramiqadoumi/flowgate/internal/cli"

func main() {
	cli.Execute()
}
