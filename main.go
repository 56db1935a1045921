package main

import "github.com/osmanclan1/ProdiBot/cmd"

func main() {
	cmd.Execute()
}
