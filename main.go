package main

import "synchrony/cmd"

func main() {
	cmd.Execute()
}
