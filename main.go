package main

import "github.com/inkwell-cms/apiserver/cmd"

func main() {
	cmd.Execute()
}
