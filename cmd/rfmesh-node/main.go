package main

import "github.com/meshsentry/rfmesh/cmd/rfmesh-node/cmd"

func main() {
	cmd.Execute()
}
