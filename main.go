package main

import "github.com/fakeyudi/sessionwatch/cmd"

func main() {
	cmd.Execute()
}
