// The main package for the callrelay executable.
package main

import (
	"github.com/JakeFAU/callrelay/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
