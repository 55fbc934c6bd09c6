package main

import (
	"os"

	"github.com/licht8/pyWGgen-sub000/controller/cli"
)

func main() {
	os.Exit(cli.Execute())
}
