// Command lws starts the local service emulator.
package main

import (
	"log"

	"lws.localdev.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
