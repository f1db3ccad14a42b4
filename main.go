package main

import "gopehash/cmd"

func main() {
	cmd.Execute()
}
