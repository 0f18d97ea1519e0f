//go:build web

package main

import "playground/cli/cmd"

func main() {
	cmd.Execute()
}
