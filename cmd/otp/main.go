package main

import "github.com/OpenTraceLab/OpenTraceProg/cmd/otp/cmd"

func main() {
	cmd.Execute()
}
