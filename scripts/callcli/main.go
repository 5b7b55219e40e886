// Command callcli is a terminal client for poking a running relay: place,
// accept, reject and end calls between two terminals.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ringlink/client"
)

func main() {
	if err := run(); err != nil {
		log.Printf("callcli: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay WebSocket address")
	user := flag.String("user", "cli-user", "user id to announce")
	token := flag.String("token", "", "bearer token, if the relay requires one")
	static := flag.Bool("static", false, "use canned sample tracks instead of camera/mic")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := client.NewTransport(client.TransportConfig{
		URL:    *addr,
		UserID: *user,
		Token:  *token,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	var media client.MediaSource = client.StaticSource{}
	if !*static {
		device, err := client.NewDeviceSource()
		if err != nil {
			log.Printf("device source unavailable (%v), using static tracks", err)
		} else {
			media = device
		}
	}

	manager, err := client.NewManager(client.ManagerConfig{
		UserID:   *user,
		Signaler: transport,
		Media:    media,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	manager.OnIncomingCall(func(info client.CallInfo) {
		fmt.Printf("\nincoming call %s from %s (accept/reject)\n> ", info.ID, info.CallerID)
	})
	manager.OnStateChange(func(s client.CallState) {
		fmt.Printf("\ncall state: %s\n> ", s)
	})
	transport.OnStatus(func(s client.Status) {
		fmt.Printf("\ntransport: %s\n> ", s)
	})

	if err := transport.Connect(ctx); err != nil {
		return err
	}
	fmt.Printf("connected to %s as %s\n", *addr, *user)
	fmt.Println("commands: call <user> [video] | accept [video] | reject | end | quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handle(manager, line); done {
				return nil
			}
		}
	}
}

func handle(manager *client.Manager, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	withVideo := len(fields) > 1 && fields[len(fields)-1] == "video"

	switch fields[0] {
	case "call":
		if len(fields) < 2 || fields[1] == "video" {
			fmt.Println("usage: call <user> [video]")
			return false
		}
		info, err := manager.StartCall(fields[1], withVideo)
		if err != nil {
			log.Printf("call: %v", err)
			return false
		}
		fmt.Printf("calling %s, call id %s\n", info.ReceiverID, info.ID)
	case "accept":
		if err := manager.Accept(withVideo); err != nil {
			log.Printf("accept: %v", err)
		}
	case "reject":
		if err := manager.Reject(); err != nil {
			log.Printf("reject: %v", err)
		}
	case "end":
		manager.End()
	case "quit", "exit":
		manager.End()
		return true
	default:
		fmt.Println("commands: call <user> [video] | accept [video] | reject | end | quit")
	}
	return false
}
