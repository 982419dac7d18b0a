package main

import "github.com/meshsentry/rfmesh/cmd/rfmesh-diagctl/cmd"

func main() {
	cmd.Execute()
}
