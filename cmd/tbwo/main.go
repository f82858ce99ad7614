package main

import "github.com/ramiqadoumi/tbwo/services/engine/cli"

func main() { cli.Execute() }
