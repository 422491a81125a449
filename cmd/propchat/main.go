package main

import (
	"errors"
	"log"
	"os"

	"propchat/cmd/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		if errors.Is(err, app.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}
