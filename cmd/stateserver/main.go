package main

import "github.com/xiaonanln/gostate/components/stateserver"

func main() {
	stateserver.Start()
}
