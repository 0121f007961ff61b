package main

import "github.com/adwski/webrtc-portal/peer/cmd"

func main() {
	cmd.Execute()
}
