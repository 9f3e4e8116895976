// Command sdlcflow is the operator CLI for the workflow orchestration
// core: run, resume, status, and cancel against a durable, event-sourced
// workflow store. Grounded on the teacher's cmd/meow entrypoint —
// cobra.Execute, print the error, and translate it into a process exit
// code rather than a stack trace.
package main

import (
	"fmt"
	"os"

	"github.com/sdlcflow/sdlcflow/cmd/sdlcflow/cmd"
)

func main() {
	code, err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(code)
}
