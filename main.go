package main

import (
	"github.com/bobuhiro11/gokvm-rng/flag"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.Fatal(err)
	}
}
