package main

import "zuzalu/api/cmd/zuzactl/cmd"

func main() {
	cmd.Execute()
}
