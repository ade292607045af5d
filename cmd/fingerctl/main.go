// fingerctl is a thin command-line client for the finger protocol
// dfingerd serves.
package main

import "github.com/dfingerd/dfingerd/cmd/fingerctl/commands"

func main() {
	commands.Execute()
}
