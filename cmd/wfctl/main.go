package main

import (
	"log"

	"workflow-gateway/internal/config"
)

func main() {
	if err := newRootCmd(config.Load()).Execute(); err != nil {
		log.Fatal(err)
	}
}
