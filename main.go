package main

import "github.com/vibast-solutions/ms-go-subscriptions/cmd"

func main() {
	cmd.Execute()
}
