package main

import "CoWatch/cmd"

func main() {
	cmd.Execute()
}
