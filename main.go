package main

import "github.com/iksnae/mindmap/cmd"

func main() {
	cmd.Execute()
}
