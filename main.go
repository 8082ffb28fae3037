package main

import "devlink/cmd"

func main() {
	cmd.Execute()
}
