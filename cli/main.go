package main

import "github.com/sheep-shaker/Shugo-sub004/cli/cmd"

func main() {
	cmd.Execute()
}
