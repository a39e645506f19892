package main

import "github.com/stevelittle/ep-engine/cmd"

func main() {
	cmd.Execute()
}
