// ./main.go
package main

import (
	"github.com/xkilldash9x/scriptharness/cmd"
)

// main is the entry point for the scriptharness CLI.
func main() {
	cmd.Execute()
}
