// Command docproc is the single binary for all pipeline services; the
// subcommand selects which service a process runs.
package main

import "docproc.evalgo.org/cli"

func main() {
	cli.Execute()
}
