package main

import "github.com/mossy-p/p2p-call-signaling/cmd/callpeer/cmd"

func main() {
	cmd.Execute()
}
