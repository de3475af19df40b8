package main

import "github.com/tugdl/tug/cmd"

func main() {
	cmd.Execute()
}
