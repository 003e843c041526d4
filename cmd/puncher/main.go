// Command puncher runs one of the three roles in the NAT traversal
// system: server (Exposer), client (Requester), or turn (Rendezvous).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/udppunch/pkg/exposer"
	"github.com/thelastdreamer/udppunch/pkg/logging"
	"github.com/thelastdreamer/udppunch/pkg/rendezvous"
	"github.com/thelastdreamer/udppunch/pkg/session"
	"github.com/thelastdreamer/udppunch/pkg/statsapi"
)

func main() {
	log := logging.Setup()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(ctx, os.Args[2:], log)
	case "client":
		err = runClient(ctx, os.Args[2:], log)
	case "turn":
		err = runTurn(ctx, os.Args[2:], log)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil && err != context.Canceled {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  puncher server <forward> <rendezvous> <service>")
	fmt.Fprintln(os.Stderr, "  puncher client <listen> <rendezvous> <service>")
	fmt.Fprintln(os.Stderr, "  puncher turn [-http <addr>] <listen>")
}

func runServer(ctx context.Context, args []string, log *logrus.Logger) error {
	if len(args) != 3 {
		printUsage()
		os.Exit(1)
	}
	forward, rendezvousAddr, service := args[0], args[1], args[2]

	forwardAddr, err := net.ResolveUDPAddr("udp4", forward)
	if err != nil {
		return fmt.Errorf("parse forward address: %w", err)
	}
	rendAddr, err := net.ResolveUDPAddr("udp4", rendezvousAddr)
	if err != nil {
		return fmt.Errorf("parse rendezvous address: %w", err)
	}

	sup := exposer.NewSupervisor(rendAddr, forwardAddr, service, logrus.NewEntry(log))
	return sup.Run(ctx)
}

func runClient(ctx context.Context, args []string, log *logrus.Logger) error {
	if len(args) != 3 {
		printUsage()
		os.Exit(1)
	}
	listen, rendezvousAddr, service := args[0], args[1], args[2]

	listenAddr, err := net.ResolveUDPAddr("udp4", listen)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	rendAddr, err := net.ResolveUDPAddr("udp4", rendezvousAddr)
	if err != nil {
		return fmt.Errorf("parse rendezvous address: %w", err)
	}

	mgr := session.NewManager(listenAddr, rendAddr, service, logrus.NewEntry(log))
	return mgr.Run(ctx)
}

func runTurn(ctx context.Context, args []string, log *logrus.Logger) error {
	fs := flag.NewFlagSet("turn", flag.ExitOnError)
	httpAddr := fs.String("http", "", "optional address to serve a read-only stats/WebSocket endpoint on")
	fs.Parse(args)

	positional := fs.Args()
	if len(positional) != 1 {
		printUsage()
		os.Exit(1)
	}

	conn, err := rendezvous.Listen(positional[0])
	if err != nil {
		return fmt.Errorf("bind listen address: %w", err)
	}

	var events chan rendezvous.Event
	if *httpAddr != "" {
		events = make(chan rendezvous.Event, 256)
	}

	srv := rendezvous.NewServer(conn, logrus.NewEntry(log), rendezvous.WithEvents(events))

	if *httpAddr != "" {
		stats := statsapi.NewServer(*httpAddr, srv.Registry(), events, logrus.NewEntry(log))
		go func() {
			if err := stats.Run(ctx); err != nil {
				log.WithError(err).Warn("stats endpoint stopped")
			}
		}()
	}

	return srv.Run(ctx)
}
