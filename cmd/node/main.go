package main

import (
	"log"
	"os"

	"github.com/fr3shw3b/flowsession/internal/nodeapp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "node",
		Usage: "A node hosting flows that talk to counterparties over reliable sessions",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 3000,
				Usage: "The port counterparty links connect to",
			},
		},
		Action: func(cCtx *cli.Context) error {
			port := cCtx.Int("port")
			return nodeapp.Run(port)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
