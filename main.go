package main

import "github.com/twitter/pelikan-sub003/cmd"

func main() {
	cmd.Execute()
}
