package main

import (
	"os"

	"github.com/ngld/prepdeps/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
