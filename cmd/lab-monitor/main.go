package main

import "github.com/oshokin/lab-monitor/cmd/lab-monitor/cmd"

func main() {
	cmd.Execute()
}
