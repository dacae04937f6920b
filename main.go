package main

import "github.com/idport/idport/cmd"

func main() {
	cmd.Execute()
}
