// Package service wires the runner together and runs it.
//
// A Service consumes add_game jobs from the queue through the intake
// pipeline and hands them to the job manager, which runs each game on its
// own port triple and records the outcome:
//
//	AMQP -> intake.Pipeline -> manager.Manager -> game.Game -> rcssserver
//	                                  |                |
//	                               store          storage (S3)
//
// Archives which could not be uploaded stay on the disk. The republish
// sweeper uploads them later, on the service.republish schedule or once
// from the command line.
//
// An optional HTTP API lists the running games and accepts stop requests.
//
// Do returns when its context is canceled. Consuming stops first, then the
// running games are stopped and reported.
package service
