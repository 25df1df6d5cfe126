// Command treebot runs the Treebot chat server.
//
//	@title						Treebot API
//	@version					1.0
//	@description				Branching multi-provider chat server: conversation trees, streamed turns, forks and handoffs.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Session token as "Bearer <token>" (the session cookie works too).
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("treebot failed")
		os.Exit(1)
	}
}
