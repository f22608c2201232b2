package main

import "github.com/rmlconsulting/tracewait/cmd"

func main() {
	cmd.Execute()
}
