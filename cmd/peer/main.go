package main

import (
	"log"
	"os"

	"github.com/fr3shw3b/flowsession/internal/peerapp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "peer",
		Usage: "Opens a session to a node, sends data and checks every payload is echoed back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server-host",
				Value: "localhost",
				Usage: "The host on which the node is accessible",
			},
			&cli.IntFlag{
				Name:  "server-port",
				Value: 3000,
				Usage: "The port the node is listening on",
			},
			&cli.StringFlag{
				Name:  "initiated-identity",
				Value: "O=Alice, L=London, C=GB",
				Usage: "The X500 name of the identity to open the session with",
			},
			&cli.IntFlag{
				Name:  "messages",
				Value: 10,
				Usage: "The number of data payloads to send",
			},
		},
		Action: func(cCtx *cli.Context) error {
			host := cCtx.String("server-host")
			port := cCtx.Int("server-port")
			identity := cCtx.String("initiated-identity")
			messages := cCtx.Int("messages")
			return peerapp.Run(host, port, identity, messages)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
