package main

import (
	"example.com/backstage/services/fleet/cmd"
)

func main() {
	cmd.Execute()
}
