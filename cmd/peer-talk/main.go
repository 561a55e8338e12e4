package main

import "github.com/rudransh-shrivastava/peer-talk/internal/client/cmd"

func main() {
	cmd.Execute()
}
