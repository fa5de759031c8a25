package peerapp

import (
	"context"
	"fmt"
	"log"

	"github.com/fr3shw3b/flowsession/pkg/config"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/fr3shw3b/flowsession/pkg/transport"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func Run(serverHost string, serverPort int, initiatedIdentity string, messages int) error {
	if err := godotenv.Load(".env.peer"); err != nil {
		log.Println("No .env.peer file loaded, using the process environment: ", err)
	}

	conf, err := config.LoadForPeer()
	if err != nil {
		log.Fatal("Failed to load configuration for peer: ", err)
	}

	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetFormatter(customFormatter)
	logLevel, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	linkParams := &transport.LinkParams{
		ServerHost:           serverHost,
		ServerPort:           serverPort,
		MaxReconnectAttempts: conf.MaxReconnectAttempts,
	}
	if conf.NodeID != "" {
		linkParams.OverrideNodeID = &conf.NodeID
	}
	link := transport.NewDefaultLink(linkParams, logger)

	// A peer runs a single session per invocation.
	peer := NewPeer(
		&Params{
			Identity:      session.Identity{X500Name: conf.Identity, GroupID: conf.GroupID},
			Counterparty:  session.Identity{X500Name: initiatedIdentity, GroupID: conf.GroupID},
			Messages:      messages,
			ResendWindow:  conf.ResendWindow,
			ResultTimeout: conf.ResultTimeout,
		},
		link,
		logger,
	)

	result := peer.Run(context.Background())
	printResult(result)
	return nil
}

func printResult(result Result) {
	fmt.Print("Result\n____________\n\n\n")
	fmt.Printf("Session: %s\n", result.SessionID)
	fmt.Printf("Sent Checksum: %s\n", result.Checksum)
	fmt.Printf("Echoed Checksum: %s\n", result.EchoChecksum)
	fmt.Printf("Successful: %v\n", result.Success)
	if result.Error != nil {
		fmt.Printf("Error: %s\n", result.Error)
	}
}
