/*
	Copyright 2024 Markus Papenbrock
*/

package main

import "github.com/mpapenbr/gridscout-relay/cmd"

func main() {
	cmd.Execute()
}
