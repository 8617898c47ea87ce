package main

import "github.com/atomicobject/vaultd/cmd"

func main() {
	cmd.Execute()
}
