package main

import "github.com/greptileai/greptile-host/internal/cmd"

func main() {
	cmd.Execute()
}
