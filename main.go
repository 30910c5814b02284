package main

import "github.com/osokin/sitebrief/cmd"

func main() {
	cmd.Execute()
}
