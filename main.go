package main

import (
	"os"

	"github.com/containerlru/vacuumd/cmd"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := cmd.Execute(); err != nil {
		logrus.Errorln(err)
		os.Exit(1)
	}
}
