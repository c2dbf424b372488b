package main

import (
	"log"

	"github.com/akarpenko/pairlabel/internal/app"
)

func main() {
	theApp, err := app.New()
	if err != nil {
		log.Fatalf("application init error: %v", err)
	}
	defer theApp.Close()

	if err := theApp.Run(); err != nil {
		log.Fatalf("application run error: %v", err)
	}
}
