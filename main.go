package main

import "photoflow/cmd"

func main() {
	cmd.Execute()
}
