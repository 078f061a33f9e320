package main

import "github.com/ValentinKolb/wbKV/cmd"

func main() {
	cmd.Execute()
}
