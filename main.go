package main

import "github.com/alimasry/collab-ot/cmd"

func main() {
	cmd.Execute()
}
