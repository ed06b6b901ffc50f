package main

import "github.com/oarkflow/proxyvisor"

func main() {
	proxyvisor.Execute()
}
