package main

import cmd "github.com/rohmanhakim/offline-cache/internal/cli"

func main() {
	cmd.Execute()
}
