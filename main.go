package main

import "github.com/fmcg/dimpipe/cmd"

func main() {
	cmd.Execute()
}
