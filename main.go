package main

import "github.com/andresmejia3/tablewatch/cmd"

func main() {
	cmd.Execute()
}
